// Package policy implements the content gate that runs inside the receive
// path, via the pre-receive hook, before any pushed object becomes reachable.
// Every blob a push introduces must be a valid encrypted envelope, and every
// commit message must be one too. A single violation fails the entire push;
// git's all-or-nothing ref update guarantees no partial acceptance. This is a
// deliberate backstop independent of client-side encryption correctness.
package policy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/medvault/medvault/internal/domain"
	"github.com/medvault/medvault/internal/envelope"
)

const zeroSHA = "0000000000000000000000000000000000000000"

// Gate validates the objects a push introduces. It must run inside the
// receive-pack hook environment: git sets the repository and quarantine
// object directories in the inherited environment, so plain git subprocesses
// see exactly the pushed objects.
type Gate struct {
	Dir    string       // working directory for git; empty inherits the hook cwd
	Logger *slog.Logger // optional
}

func (g *Gate) log() *slog.Logger {
	if g.Logger != nil {
		return g.Logger.With("domain", "policy")
	}
	return slog.Default().With("domain", "policy")
}

// refUpdate is one "old new ref" line from the pre-receive stdin.
type refUpdate struct {
	Old, New, Ref string
}

// parseUpdates reads the pre-receive input format.
func parseUpdates(r io.Reader) ([]refUpdate, error) {
	var updates []refUpdate
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed ref update %q", line)
		}
		updates = append(updates, refUpdate{Old: fields[0], New: fields[1], Ref: fields[2]})
	}
	return updates, sc.Err()
}

// Run checks every new object referenced by the pushed updates. It returns
// domain.ErrPolicyViolation (with a short explanation on errw for the git
// client) when any introduced blob or commit message is not an envelope.
func (g *Gate) Run(ctx context.Context, in io.Reader, errw io.Writer) error {
	updates, err := parseUpdates(in)
	if err != nil {
		return err
	}
	var tips []string
	for _, u := range updates {
		if u.New != zeroSHA {
			tips = append(tips, u.New)
		}
	}
	if len(tips) == 0 { // pure deletions introduce nothing
		return nil
	}
	shas, err := g.newObjects(ctx, tips)
	if err != nil {
		return err
	}
	if len(shas) == 0 {
		return nil
	}
	if err := g.checkObjects(ctx, shas, errw); err != nil {
		return err
	}
	g.log().Info("push accepted", "objects", len(shas))
	return nil
}

// newObjects lists every object reachable from the pushed tips but not from
// any existing ref.
func (g *Gate) newObjects(ctx context.Context, tips []string) ([]string, error) {
	args := append([]string{"rev-list", "--objects"}, tips...)
	args = append(args, "--not", "--all")
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("rev-list: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	var shas []string
	sc := bufio.NewScanner(&stdout)
	for sc.Scan() {
		if f := strings.Fields(sc.Text()); len(f) > 0 {
			shas = append(shas, f[0])
		}
	}
	return shas, sc.Err()
}

// checkObjects streams object contents through one cat-file --batch process
// and validates blobs and commit messages as they arrive.
func (g *Gate) checkObjects(ctx context.Context, shas []string, errw io.Writer) error {
	cmd := exec.CommandContext(ctx, "git", "cat-file", "--batch")
	cmd.Dir = g.Dir
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("cat-file: %w", err)
	}
	defer func() {
		_ = stdin.Close()
		_ = cmd.Wait()
	}()

	go func() {
		for _, sha := range shas {
			if _, err := io.WriteString(stdin, sha+"\n"); err != nil {
				return
			}
		}
		_ = stdin.Close()
	}()

	br := bufio.NewReader(stdout)
	for range shas {
		sha, typ, body, err := readBatchObject(br)
		if err != nil {
			return fmt.Errorf("cat-file read: %w", err)
		}
		switch typ {
		case "blob":
			if err := envelope.ValidateShape(strings.TrimSpace(string(body))); err != nil {
				fmt.Fprintf(errw, "medvault: blob %s is not an encrypted envelope; push rejected\n", sha)
				return domain.ErrPolicyViolation
			}
		case "commit":
			msg := commitMessage(body)
			if err := envelope.ValidateShape(strings.TrimSpace(msg)); err != nil {
				fmt.Fprintf(errw, "medvault: commit %s has an unencrypted message; push rejected\n", sha)
				return domain.ErrPolicyViolation
			}
		}
	}
	return nil
}

// readBatchObject parses one "<sha> <type> <size>\n<content>\n" record.
func readBatchObject(br *bufio.Reader) (sha, typ string, body []byte, err error) {
	header, err := br.ReadString('\n')
	if err != nil {
		return "", "", nil, err
	}
	fields := strings.Fields(strings.TrimSpace(header))
	if len(fields) != 3 {
		return "", "", nil, fmt.Errorf("malformed batch header %q", header)
	}
	size, err := strconv.Atoi(fields[2])
	if err != nil {
		return "", "", nil, fmt.Errorf("malformed batch size %q", fields[2])
	}
	body = make([]byte, size)
	if _, err := io.ReadFull(br, body); err != nil {
		return "", "", nil, err
	}
	if _, err := br.ReadByte(); err != nil { // trailing LF
		return "", "", nil, err
	}
	return fields[0], fields[1], body, nil
}

// commitMessage extracts the message that follows the commit object headers.
func commitMessage(raw []byte) string {
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return string(raw[i+2:])
	}
	return ""
}
