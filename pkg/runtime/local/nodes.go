package local

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// ParseNodes resolves a node description into host names.
//
// The description is either empty (local host only), a path to a nodefile
// with one host per line and # comments, or a comma-separated host list.
func ParseNodes(nodes, fallback string) ([]string, error) {
	nodes = strings.TrimSpace(nodes)
	if nodes == "" {
		return []string{fallback}, nil
	}

	if st, err := os.Stat(nodes); err == nil && !st.IsDir() {
		return readNodefile(nodes)
	}

	var hosts []string
	for _, h := range strings.Split(nodes, ",") {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("no hosts in node description %q", nodes)
	}
	return hosts, nil
}

func readNodefile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open nodefile: %w", err)
	}
	defer func() { _ = f.Close() }()

	var hosts []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		if line = strings.TrimSpace(line); line != "" {
			hosts = append(hosts, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read nodefile: %w", err)
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("nodefile %s lists no hosts", path)
	}
	return hosts, nil
}
