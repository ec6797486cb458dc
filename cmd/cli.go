// Package cmd implements agent-ipc-cli, a small client for the agent's IPC endpoints.
package cmd

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fzft/agent-ipc/client"
	"github.com/mattn/go-isatty"
)

const (
	CliHistFileEnv     = "AGENTIPC_CLI_HISTFILE"
	CliHistFileDefault = ".agentipc_cli_history"
)

type CliConfig struct {
	Socket  string
	Host    string
	Port    int
	Repeat  int
	Timeout time.Duration
	Args    []string
}

// Cli talks to one endpoint. In and Out default to stdin and stdout.
type Cli struct {
	config CliConfig
	conn   *client.Client

	In     io.Reader
	Out    io.Writer
	ErrOut io.Writer

	// Interactive overrides terminal detection on In.
	Interactive func() bool
}

func NewCli() *Cli {
	return &Cli{In: os.Stdin, Out: os.Stdout, ErrOut: os.Stderr}
}

func (cli *Cli) Usage(out io.Writer, version string) {
	fmt.Fprintf(out, `agent-ipc cli %s

Usage: agent-ipc cli [OPTIONS] [payload ...]
  -s <socket>        Unix socket of the endpoint (overrides -h and -p).
  -h <hostname>      Loopback host (default: 127.0.0.1).
  -p <port>          TCP port.
  -r <repeat>        Send the payload N times.
  -t <timeout>       Reply timeout (default: %s).

Without a payload the cli reads one request per line from stdin,
with line editing and history when stdin is a terminal.
`, version, client.DefaultTimeout)
}

// ParseArgs fills the config from args, which exclude the program and subcommand names.
func (cli *Cli) ParseArgs(args []string) error {
	fs := flag.NewFlagSet("cli", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cli.config.Socket, "s", "", "")
	fs.StringVar(&cli.config.Host, "h", "127.0.0.1", "")
	fs.IntVar(&cli.config.Port, "p", 0, "")
	fs.IntVar(&cli.config.Repeat, "r", 1, "")
	fs.DurationVar(&cli.config.Timeout, "t", client.DefaultTimeout, "")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if cli.config.Socket == "" && cli.config.Port == 0 {
		return errors.New("either -s or -p is required")
	}
	if cli.config.Repeat <= 0 {
		return fmt.Errorf("invalid repeat value %d", cli.config.Repeat)
	}
	cli.config.Args = fs.Args()
	return nil
}

func (cli *Cli) Run(args []string, version string) error {
	if err := cli.ParseArgs(args); err != nil {
		cli.Usage(cli.ErrOut, version)
		return err
	}
	if err := cli.connect(); err != nil {
		return err
	}
	defer cli.conn.Close()

	if len(cli.config.Args) > 0 {
		return cli.send(strings.Join(cli.config.Args, " "), cli.config.Repeat)
	}
	if cli.interactive() {
		return cli.repl()
	}
	return cli.pipe()
}

func (cli *Cli) network() (string, string) {
	if cli.config.Socket != "" {
		return "unix", cli.config.Socket
	}
	return "tcp", net.JoinHostPort(cli.config.Host, strconv.Itoa(cli.config.Port))
}

func (cli *Cli) connect() error {
	if cli.conn != nil {
		_ = cli.conn.Close()
		cli.conn = nil
	}
	network, addr := cli.network()
	conn, err := client.Dial(network, addr, client.WithTimeout(cli.config.Timeout))
	if err != nil {
		return fmt.Errorf("could not connect to %s: %w", addr, err)
	}
	cli.conn = conn
	return nil
}

func (cli *Cli) interactive() bool {
	if cli.Interactive != nil {
		return cli.Interactive()
	}
	f, ok := cli.In.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

func (cli *Cli) prompt() string {
	_, addr := cli.network()
	return addr + "> "
}

// send prints one reply per request. Error replies are printed and do not stop the loop.
func (cli *Cli) send(payload string, repeat int) error {
	for i := 0; i < repeat; i++ {
		reply, err := cli.conn.Send([]byte(payload))
		var re *client.ReplyError
		switch {
		case errors.As(err, &re):
			fmt.Fprintf(cli.Out, "(error) %s\n", re.Message)
		case err != nil:
			return err
		default:
			fmt.Fprintf(cli.Out, "%s\n", reply)
		}
	}
	return nil
}

func (cli *Cli) pipe() error {
	sc := bufio.NewScanner(cli.In)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		if err := cli.send(line, 1); err != nil {
			return err
		}
	}
	return sc.Err()
}

func (cli *Cli) repl() error {
	line := NewLineNoise()
	defer line.Close()

	historyFile := getDotfilePath(CliHistFileEnv, CliHistFileDefault)
	if historyFile != "" {
		_ = line.HistoryLoad(historyFile)
	}

	for {
		input, err := line.Prompt(cli.prompt())
		if err != nil {
			// ctrl-c or ctrl-d
			return nil
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)
		if historyFile != "" {
			_ = line.HistorySave(historyFile)
		}

		quit, err := cli.execute(input, line)
		if err != nil {
			fmt.Fprintf(cli.ErrOut, "%s\n", err)
		}
		if quit {
			return nil
		}
	}
}

// execute runs one line of the repl: a builtin or a request, optionally
// prefixed with a repeat count.
func (cli *Cli) execute(input string, line *LineNoise) (bool, error) {
	argv := strings.Fields(input)
	switch {
	case strings.EqualFold(argv[0], "quit"), strings.EqualFold(argv[0], "exit"):
		return true, nil
	case strings.EqualFold(argv[0], "clear") && len(argv) == 1:
		if line != nil {
			line.ClearScreen(cli.Out)
		}
		return false, nil
	case strings.EqualFold(argv[0], "connect") && len(argv) == 2:
		if strings.Contains(argv[1], string(filepath.Separator)) {
			cli.config.Socket = argv[1]
		} else {
			host, port, err := net.SplitHostPort(argv[1])
			if err != nil {
				return false, err
			}
			p, err := strconv.Atoi(port)
			if err != nil {
				return false, fmt.Errorf("invalid port number %q", port)
			}
			cli.config.Socket, cli.config.Host, cli.config.Port = "", host, p
		}
		return false, cli.connect()
	}

	repeat := 1
	if n, err := strconv.Atoi(argv[0]); err == nil && len(argv) > 1 {
		if n <= 0 {
			return false, errors.New("invalid repeat value")
		}
		repeat = n
		input = strings.TrimSpace(strings.TrimPrefix(input, argv[0]))
	}
	return false, cli.send(input, repeat)
}

func getDotfilePath(envOverride, dotFilename string) string {
	if path := os.Getenv(envOverride); path != "" {
		if path == "/dev/null" {
			return ""
		}
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, dotFilename)
}
