package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/codefionn/autopilot/internal/autopilot"
	"github.com/codefionn/autopilot/internal/consts"
	"github.com/codefionn/autopilot/internal/core"
	"github.com/codefionn/autopilot/internal/ide"
	"github.com/codefionn/autopilot/internal/session"
	"github.com/spf13/cobra"
)

const pollInterval = 100 * time.Millisecond

func runCmd(flags *globalFlags) *cobra.Command {
	var (
		resume string
		width  int
	)

	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run a session in the terminal",
		Long: `Run a session in the terminal. The prompt is sent as the first input;
without one, inputs are read line by line from stdin until EOF. Steps that
ask for input read the next line.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSession(ctx, flags, runOptions{
				prompt: strings.Join(args, " "),
				resume: resume,
				width:  width,
				in:     cmd.InOrStdin(),
				out:    cmd.OutOrStdout(),
			})
		},
	}

	cmd.Flags().StringVar(&resume, "resume", "", "Resume the saved session with this id")
	cmd.Flags().IntVar(&width, "width", 0, "Word wrap width (0 uses the terminal width)")
	return cmd
}

type runOptions struct {
	prompt string
	resume string
	width  int
	in     io.Reader
	out    io.Writer
}

// terminal drives one session from a line-based input.
type terminal struct {
	ap      *autopilot.Autopilot
	out     io.Writer
	lines   <-chan string
	updates chan core.FullState
	view    *transcript
}

func runSession(ctx context.Context, flags *globalFlags, opts runOptions) (err error) {
	a, err := loadApp(flags)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.close(); err == nil {
			err = closeErr
		}
	}()

	if err := a.startModels(ctx); err != nil {
		return err
	}
	workspace, err := a.workspace()
	if err != nil {
		return err
	}

	local := ide.NewLocalIDE(workspace, a.log)
	defer local.Close()
	sessions := a.newManager(local)
	defer sessions.Close()

	var s *session.Session
	if opts.resume != "" {
		s, err = sessions.Open(opts.resume)
	} else {
		s, err = sessions.Create()
	}
	if err != nil {
		return err
	}
	if err := local.Watch(s.Autopilot()); err != nil {
		a.log.Warn("not watching workspace for manual edits: %v", err)
	}

	t := &terminal{
		ap:      s.Autopilot(),
		out:     opts.out,
		lines:   readLines(opts.in),
		updates: make(chan core.FullState, 1),
		view:    newTranscript(opts.out, opts.width),
	}
	unsubscribe := t.ap.OnUpdate(t.push)
	defer unsubscribe()

	t.view.header(t.ap.SessionInfo())
	if opts.resume != "" {
		t.view.all(t.ap.FullState())
	}

	select {
	case <-s.Ready():
	case <-ctx.Done():
		return nil
	}
	t.view.flush(t.ap.FullState())

	if opts.prompt != "" {
		return t.submit(ctx, opts.prompt)
	}
	for {
		fmt.Fprint(t.out, inputStyle.Render("> "))
		select {
		case line, ok := <-t.lines:
			if !ok {
				fmt.Fprintln(t.out)
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if err := t.submit(ctx, line); err != nil {
				return err
			}
		case <-ctx.Done():
			fmt.Fprintln(t.out)
			return nil
		}
	}
}

// push keeps only the newest state; printing happens on the terminal's
// goroutine.
func (t *terminal) push(state core.FullState) {
	select {
	case <-t.updates:
	default:
	}
	select {
	case t.updates <- state:
	default:
	}
}

// submit runs text as user input and answers the steps that wait on the
// terminal until it is done.
func (t *terminal) submit(ctx context.Context, text string) error {
	done := make(chan error, 1)
	go func() { done <- t.ap.AcceptUserInput(ctx, text) }()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	asked, retried := -1, -1
	for {
		select {
		case err := <-done:
			t.view.flush(t.ap.FullState())
			if errors.Is(err, autopilot.ErrHalted) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err

		case state := <-t.updates:
			t.view.flush(state)

		case <-ctx.Done():
			t.halt()
			return t.finish(done)

		case <-ticker.C:
			if index, ok := t.ap.AwaitingInput(); ok && index != asked {
				asked = index
				t.view.flush(t.ap.FullState())
				line, ok := t.ask(ctx, "? ")
				if !ok {
					t.halt()
					return t.finish(done)
				}
				t.ap.GiveUserInput(line, index)
				continue
			}
			if index, ok := t.ap.AwaitingRetry(); ok && index != retried {
				t.view.flush(t.ap.FullState())
				line, ok := t.ask(ctx, "retry? [y/N] ")
				if ok && strings.EqualFold(strings.TrimSpace(line), "y") {
					retried = index
					if err := t.ap.RetryAtIndex(index); err != nil {
						fmt.Fprintln(t.out, errorStyle.Render(err.Error()))
					}
					continue
				}
				t.halt()
				return t.finish(done)
			}
		}
	}
}

func (t *terminal) ask(ctx context.Context, prompt string) (string, bool) {
	fmt.Fprint(t.out, inputStyle.Render(prompt))
	select {
	case line, ok := <-t.lines:
		return line, ok
	case <-ctx.Done():
		return "", false
	}
}

func (t *terminal) halt() {
	ctx, cancel := context.WithTimeout(context.Background(), consts.Timeout10Seconds)
	defer cancel()
	if err := t.ap.RequestHalt(ctx); err != nil {
		fmt.Fprintln(t.out, errorStyle.Render("halt: "+err.Error()))
	}
}

func (t *terminal) finish(done <-chan error) error {
	err := <-done
	t.view.flush(t.ap.FullState())
	if err == nil || errors.Is(err, autopilot.ErrHalted) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// readLines delivers lines of r until EOF, then closes the channel.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), consts.BufferSize256KB)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}
