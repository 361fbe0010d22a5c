package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fzft/go-nio-pump/deps/linenoise"
	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"
)

var (
	CliHisFileEnv          = "NIOCLI_HISTFILE"
	CliHisFileDefault      = ".niocli_history"
	CliDefaultAddr         = "127.0.0.1:9898"
	CliDefaultReplyTimeout = 200 * time.Millisecond
)

type CliConfig struct {
	Network string
	Addr    string
	Prompt  string
	// ReplyTimeout is how long to wait for feedback after each line.
	ReplyTimeout time.Duration
}

type Cli struct {
	config *CliConfig
	conn   net.Conn
	out    io.Writer
}

// ParseTarget splits "udp://host:port" or "tcp://host:port" into network and
// address. A bare address is tcp, an empty one the default address.
func ParseTarget(target string) (network, addr string) {
	network = "tcp"
	if scheme, rest, ok := strings.Cut(target, "://"); ok {
		network, target = scheme, rest
	}
	if target == "" {
		target = CliDefaultAddr
	}
	return network, target
}

func NewCli(target string, out io.Writer) *Cli {
	network, addr := ParseTarget(target)
	return &Cli{
		config: &CliConfig{
			Network:      network,
			Addr:         addr,
			Prompt:       fmt.Sprintf("%s> ", addr),
			ReplyTimeout: CliDefaultReplyTimeout,
		},
		out: out,
	}
}

func (cli *Cli) Version(gitSHA1, gitDirty string) string {
	version := "nio-cli"
	// Add git commit and working tree status when available
	if sha1Int, err := strconv.ParseInt(gitSHA1, 16, 64); err == nil && sha1Int != 0 {
		version = fmt.Sprintf("%s (git:%s", version, gitSHA1)
		if dirtyInt, err := strconv.ParseInt(gitDirty, 10, 64); err == nil && dirtyInt != 0 {
			version = fmt.Sprintf("%s-dirty", version)
		}
		version = fmt.Sprintf("%s)", version)
	}
	return version
}

func (cli *Cli) Connect() error {
	conn, err := net.DialTimeout(cli.config.Network, cli.config.Addr, 5*time.Second)
	if err != nil {
		return err
	}
	cli.conn = conn
	return nil
}

func (cli *Cli) Close() error {
	if cli.conn == nil {
		return nil
	}
	return cli.conn.Close()
}

// Send writes line and collects whatever the server sends back before the reply
// timeout. No feedback is not an error.
func (cli *Cli) Send(line string) ([]byte, error) {
	if _, err := cli.conn.Write([]byte(line + "\n")); err != nil {
		return nil, err
	}

	var reply []byte
	buf := make([]byte, 4096)
	deadline := time.Now().Add(cli.config.ReplyTimeout)
	for {
		if err := cli.conn.SetReadDeadline(deadline); err != nil {
			return reply, err
		}
		n, err := cli.conn.Read(buf)
		reply = append(reply, buf[:n]...)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return reply, nil
			}
			return reply, err
		}
		// keep collecting only what is already in flight
		deadline = time.Now().Add(cli.config.ReplyTimeout / 10)
	}
}

func (cli *Cli) printReply(reply []byte) {
	if len(reply) == 0 {
		return
	}
	fmt.Fprint(cli.out, string(reply))
	if reply[len(reply)-1] != '\n' {
		fmt.Fprintln(cli.out)
	}
}

// Pipe sends every line of r.
func (cli *Cli) Pipe(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		reply, err := cli.Send(scanner.Text())
		cli.printReply(reply)
		if err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Repl reads lines from the terminal until EOF or Ctrl-C.
func (cli *Cli) Repl(ln *linenoise.LineNoise, historyFile string) error {
	if historyFile != "" {
		_ = ln.HistoryLoad(historyFile)
		defer ln.HistorySave(historyFile)
	}

	for {
		line, err := ln.Prompt(cli.config.Prompt)
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "quit", "exit":
			return nil
		case "clear":
			_ = ln.ClearScreen()
			continue
		}
		ln.AppendHistory(line)

		reply, err := cli.Send(line)
		cli.printReply(reply)
		if err != nil {
			return err
		}
	}
}

func historyFile() string {
	if path := os.Getenv(CliHisFileEnv); path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, CliHisFileDefault)
}

// Main runs the client against args[0] and returns the exit code.
func Main(args []string, gitSHA1, gitDirty string) int {
	var target string
	if len(args) > 0 {
		target = args[0]
	}
	cli := NewCli(target, os.Stdout)

	if err := cli.Connect(); err != nil {
		fmt.Fprintf(os.Stderr, "Could not connect to %s: %v\n", cli.config.Addr, err)
		return 1
	}
	defer cli.Close()

	var err error
	if isatty.IsTerminal(os.Stdin.Fd()) {
		fmt.Fprintln(os.Stdout, cli.Version(gitSHA1, gitDirty))
		ln := linenoise.New()
		err = cli.Repl(ln, historyFile())
		ln.Close()
	} else {
		err = cli.Pipe(os.Stdin)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
