package input

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/rangeban/internal/domain"
)

const (
	sincePlaceholder        = "{since}"
	sinceSecondsPlaceholder = "{since_seconds}"
)

var ErrEmptyCommand = errors.New("empty source command")

// CommandSource runs an external command once per cycle and returns its
// standard output as lines. Arguments may reference {since} (RFC 3339) and
// {since_seconds} (whole seconds elapsed since the cutoff, at least 1), e.g.
//
//	kubectl logs -n ingress-nginx deploy/ingress-nginx-controller --since-time={since}
type CommandSource struct {
	args    []string
	timeout time.Duration
	now     func() time.Time
}

func NewCommandSource(command string, timeout time.Duration) (*CommandSource, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("parse source command: %w", err)
	}
	if len(args) == 0 {
		return nil, ErrEmptyCommand
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CommandSource{args: args, timeout: timeout, now: time.Now}, nil
}

// Args returns the argument vector with placeholders expanded for since.
func (s *CommandSource) Args(since time.Time) []string {
	seconds := int64(s.now().Sub(since).Seconds())
	if seconds < 1 {
		seconds = 1
	}
	r := strings.NewReplacer(
		sinceSecondsPlaceholder, strconv.FormatInt(seconds, 10),
		sincePlaceholder, since.UTC().Format(time.RFC3339),
	)

	out := make([]string, len(s.args))
	for i, a := range s.args {
		out[i] = r.Replace(a)
	}
	return out
}

func (s *CommandSource) ReadNewRecords(ctx context.Context, since time.Time) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	args := s.Args(since)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return nil, fmt.Errorf("source command %s: %w: %s", args[0], err, msg)
	}

	var lines []string
	scanner := bufio.NewScanner(&stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || len(line) > domain.MaxLineLength {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return lines, fmt.Errorf("read source command output: %w", err)
	}

	log.Debug().
		Str("command", args[0]).
		Int("lines", len(lines)).
		Dur("took", time.Since(start)).
		Msg("Source command completed")
	return lines, nil
}
