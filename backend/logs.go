package backend

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/teranos/harvest/errors"
)

// LogFileNotFound is the single line returned for a log that does not exist yet
const LogFileNotFound = "File Not Found"

// Log kinds
const (
	LogOut = "out"
	LogErr = "err"
)

// ReadLogLines reads r line by line, trimming surrounding whitespace
func ReadLogLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		lines = append(lines, strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read log")
	}
	return lines, nil
}

// ReadLocalLog reads a log file from the local filesystem
func ReadLocalLog(path string) ([]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return []string{LogFileNotFound}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open log %s", path)
	}
	defer f.Close()
	return ReadLogLines(f)
}
