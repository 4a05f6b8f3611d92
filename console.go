package pocketfence

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/shlex"
)

// ErrStop is returned by Console.Exec for the stop command.
var ErrStop = errors.New("stop requested")

// Console is a line-oriented operator interface over the Controller.
type Console struct {
	Controller *Controller
	In         io.Reader
	Out        io.Writer

	// Prompt is printed before each line when non-empty.
	Prompt string

	// StopTimeout bounds the shutdown started by the stop command.
	StopTimeout time.Duration
}

// NewConsole creates a console reading commands from in.
func NewConsole(c *Controller, in io.Reader, out io.Writer) *Console {
	return &Console{
		Controller:  c,
		In:          in,
		Out:         out,
		Prompt:      "pocketfence> ",
		StopTimeout: 5 * time.Second,
	}
}

// Run reads commands until stop, end of input or ctx is done. Command
// errors are printed and do not end the loop.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.In)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		c.prompt()
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			err := c.Exec(ctx, line)
			switch {
			case errors.Is(err, ErrStop):
				return nil
			case err != nil:
				fmt.Fprintf(c.Out, "error: %v\n", err)
			}
		}
	}
}

func (c *Console) prompt() {
	if c.Prompt != "" {
		fmt.Fprint(c.Out, c.Prompt)
	}
}

// Exec runs one command line.
func (c *Console) Exec(ctx context.Context, line string) error {
	args, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("parse command: %w", err)
	}
	if len(args) == 0 {
		return nil
	}

	cmd, args := strings.ToLower(args[0]), args[1:]
	switch cmd {
	case "status":
		c.printStatus()
	case "stats":
		c.printStats()
	case "config":
		c.printConfig()
	case "ageset":
		if len(args) != 1 {
			return errors.New("usage: ageset <early|elementary|teen|adult>")
		}
		if err := c.Controller.SetAgeLevel(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(c.Out, "Age level set to %s\n", c.Controller.Engine.AgeLevel().Label())
	case "childmode":
		if len(args) != 1 {
			return errors.New("usage: childmode on|off")
		}
		enabled, err := parseSwitch(args[0])
		if err != nil {
			return err
		}
		if err := c.Controller.SetChildMode(enabled); err != nil {
			return err
		}
		fmt.Fprintf(c.Out, "Child mode %s\n", onOff(enabled))
	case "score":
		if len(args) == 0 {
			return errors.New("usage: score <text>")
		}
		c.printAnalysis(c.Controller.Analyze(strings.Join(args, " ")))
	case "start":
		if err := c.Controller.Start(ctx); err != nil {
			return err
		}
		fmt.Fprintln(c.Out, "Proxy started")
	case "stop":
		stopCtx, cancel := context.WithTimeout(ctx, c.StopTimeout)
		defer cancel()
		if err := c.Controller.Stop(stopCtx); err != nil {
			fmt.Fprintf(c.Out, "stop: %v\n", err)
		}
		fmt.Fprintln(c.Out, "Proxy stopped")
		return ErrStop
	case "help", "?":
		c.printHelp()
	default:
		return fmt.Errorf("unknown command %q (try help)", cmd)
	}
	return nil
}

func (c *Console) printStatus() {
	s := c.Controller.Status()
	state := "stopped"
	if s.Running {
		state = "running on " + strings.Join(s.Addrs, ", ")
	}
	fmt.Fprintf(c.Out, "Proxy:       %s\n", state)
	fmt.Fprintf(c.Out, "Age level:   %s (threshold %s)\n", s.AgeLabel, formatScore(s.Threshold))
	fmt.Fprintf(c.Out, "Child mode:  %s\n", onOff(s.ChildModeEnabled))
	fmt.Fprintf(c.Out, "Requests:    %d (%d blocked)\n", s.Requests, s.Blocked)
	fmt.Fprintf(c.Out, "Tunnels:     %d open\n", s.OpenTunnels)
	fmt.Fprintf(c.Out, "Uptime:      %s\n", s.Uptime)
}

func (c *Console) printStats() {
	s := c.Controller.Stats()
	cs := s.Engine.Child
	fmt.Fprintf(c.Out, "Requests:            %d\n", s.Requests)
	fmt.Fprintf(c.Out, "Blocked:             %d (%.1f%%)\n", s.Blocked, s.BlockRate*100)
	fmt.Fprintf(c.Out, "Texts scored:        %d\n", s.Engine.Processed)
	fmt.Fprintf(c.Out, "Keywords:            %d\n", s.Engine.Keywords)
	fmt.Fprintf(c.Out, "Child content over:  %d\n", cs.ContentBlocked)
	fmt.Fprintf(c.Out, "  violence:          %d\n", cs.ViolenceDetected)
	fmt.Fprintf(c.Out, "  adult:             %d\n", cs.AdultContentDetected)
	fmt.Fprintf(c.Out, "  cyberbullying:     %d\n", cs.CyberbullyingDetected)
	fmt.Fprintf(c.Out, "  stranger danger:   %d\n", cs.StrangerDangerDetected)
	fmt.Fprintf(c.Out, "Safety average:      %s\n", formatScore(cs.SafetyAverage))
}

func (c *Console) printConfig() {
	s := c.Controller.Config()
	fmt.Fprintf(c.Out, "ageLevel:          %s\n", s.AgeLevel)
	fmt.Fprintf(c.Out, "childModeEnabled:  %t\n", s.ChildModeEnabled)
	fmt.Fprintf(c.Out, "proxyPort:         %d\n", s.ProxyPort)
	fmt.Fprintf(c.Out, "autoStart:         %t\n", s.AutoStart)
}

func (c *Console) printAnalysis(a ContentAnalysis) {
	verdict := "allowed"
	if !a.Safe {
		verdict = "blocked"
	}
	fmt.Fprintf(c.Out, "Score:     %s (%s at %s)\n", formatScore(a.Score), verdict, c.Controller.Engine.AgeLevel().Label())
	fmt.Fprintf(c.Out, "Category:  %s\n", a.Category)
	if len(a.Matches) > 0 {
		fmt.Fprintf(c.Out, "Matches:   %s\n", strings.Join(a.Matches, ", "))
	}
}

func (c *Console) printHelp() {
	fmt.Fprint(c.Out, `Commands:
  status                 proxy state, age level and counters
  stats                  filtering and child-safety statistics
  config                 persisted settings
  ageset <level>         set age level: early, elementary, teen, adult
  childmode on|off       toggle child-safety analysis
  score <text>           score text at the current age level
  start                  start the proxy when autoStart is off
  stop                   stop the proxy and exit
  help                   show this help
`)
}

func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "enable", "enabled", "1":
		return true, nil
	case "off", "false", "disable", "disabled", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
