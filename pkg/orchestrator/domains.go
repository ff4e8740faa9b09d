package orchestrator

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// LoadDomains reads a domains list file.
func LoadDomains(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening domains list: %w", err)
	}
	defer func() { _ = f.Close() }()

	return ReadDomains(f)
}

// ReadDomains parses one domain per line. Blank lines and lines starting
// with '#' are skipped.
func ReadDomains(r io.Reader) ([]string, error) {
	var domains []string

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		domains = append(domains, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading domains list: %w", err)
	}

	return domains, nil
}
