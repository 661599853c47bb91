package monitor

import (
	"strconv"
	"strings"
	"time"

	"github.com/3leaps/dartctl/pkg/task"
)

// Record is one telemetry entry derived from a task result.
type Record struct {
	Job       string
	TaskID    string
	Location  string
	Host      string
	Worker    string
	StartTime time.Time
	Duration  time.Duration
	Status    task.Status

	// Log holds the task error for failed tasks. It is empty on success.
	Log string
}

// NewRecord derives the monitoring record for r under job.
func NewRecord(job string, r *task.Result) Record {
	rec := Record{
		Job:       job,
		TaskID:    r.TaskID,
		Location:  r.Location,
		Host:      r.Host,
		Worker:    r.Worker,
		StartTime: r.StartTime,
		Duration:  r.Duration,
		Status:    r.Status(),
	}
	if !r.Succeeded() {
		rec.Log = r.Error
	}
	return rec
}

// FormatTime renders t as Unix seconds with millisecond precision.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "0.000"
	}
	return strconv.FormatFloat(float64(t.UnixMilli())/1000, 'f', 3, 64)
}

// FormatDuration renders d as seconds with millisecond precision.
func FormatDuration(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

// flatEscaper keeps every field on one line and free of bare commas, so a
// line splits into exactly nine fields at unescaped commas.
var flatEscaper = strings.NewReplacer(`\`, `\\`, ",", `\,`, "\r", `\r`, "\n", `\n`)

// FlatLine renders the record as one comma-separated line for the flat-file
// backend, newline terminated.
func (r Record) FlatLine() string {
	fields := []string{
		r.Job,
		r.TaskID,
		r.Location,
		r.Host,
		r.Worker,
		FormatTime(r.StartTime),
		FormatDuration(r.Duration),
		string(r.Status),
		r.Log,
	}
	for i := range fields {
		fields[i] = flatEscaper.Replace(fields[i])
	}
	return strings.Join(fields, ", ") + "\n"
}

var (
	tagEscaper   = strings.NewReplacer(",", `\,`, "=", `\=`, " ", `\ `, "\n", `\n`)
	fieldEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", `\r`)
	nameEscaper  = strings.NewReplacer(",", `\,`, " ", `\ `)
)

// LineProtocol renders the record as a single time-series line:
//
//	<measurement>,job=..,taskid=..,location=..,host=..,workerid=..,status=.. starttime=..,taskduration=..,log="..."
//
// Tags with empty values are omitted since the line format does not allow
// them.
func (r Record) LineProtocol(measurement string) string {
	var b strings.Builder
	b.WriteString(nameEscaper.Replace(measurement))

	tags := [][2]string{
		{"job", r.Job},
		{"taskid", r.TaskID},
		{"location", r.Location},
		{"host", r.Host},
		{"workerid", r.Worker},
		{"status", string(r.Status)},
	}
	for _, t := range tags {
		if t[1] == "" {
			continue
		}
		b.WriteByte(',')
		b.WriteString(t[0])
		b.WriteByte('=')
		b.WriteString(tagEscaper.Replace(t[1]))
	}

	b.WriteString(" starttime=")
	b.WriteString(FormatTime(r.StartTime))
	b.WriteString(",taskduration=")
	b.WriteString(FormatDuration(r.Duration))
	b.WriteString(`,log="`)
	b.WriteString(fieldEscaper.Replace(r.Log))
	b.WriteByte('"')
	return b.String()
}
