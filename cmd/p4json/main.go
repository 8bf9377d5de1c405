// Command p4json runs a Perforce command with -G and prints its records as
// an indented JSON array.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/deixis/p4json"
	"github.com/deixis/p4json/internal/config"
	"github.com/deixis/p4json/internal/format"
	p4mcp "github.com/deixis/p4json/internal/mcp"
	"github.com/deixis/p4json/internal/marshal"
	"github.com/deixis/p4json/internal/report"
	"github.com/deixis/p4json/internal/runner"
	"github.com/deixis/p4json/internal/workflow"
	"github.com/fatih/color"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("p4json: ")

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "mcp":
		err = mcpMain(os.Args[2:])
	case "version":
		fmt.Println(p4json.Version)
	case "-h", "--help":
		usage()
	default:
		err = queryMain(os.Args[1:])
	}

	if err != nil {
		log.Fatal(err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: p4json [flags] [--] <query>
       p4json mcp [-http addr] [-instructions]
       p4json version

Runs "p4 -G <query>" and prints every record as a JSON array.
A single query argument is run through sh -c unless -exec is set or
shell: false is configured in .p4json; shell metacharacters in it are
interpreted. Several arguments are passed to p4 as they are.

Flags:
  -v            log the command, run ID and p4 exit status to stderr
  -exec         split the query into words instead of using sh -c
  -input FILE   JSON object marshalled onto p4's stdin ("-" for stdin)
  -indent N     spaces per indent level (default 4)
  -bytes POLICY strict, replace, latin1 or base64 (default strict)
  -timeout D    kill p4 after D, e.g. 30s

Commands:
  mcp           Start the MCP server
  version       Print the version`)
}

// --- query ---

type queryOptions struct {
	verbose bool
	exec    bool
	input   string
	indent  int
	bytes   string
	timeout time.Duration
}

func queryMain(args []string) error {
	fs := flag.NewFlagSet("p4json", flag.ContinueOnError)
	fs.Usage = usage
	var opts queryOptions
	fs.BoolVar(&opts.verbose, "v", false, "verbose output")
	fs.BoolVar(&opts.exec, "exec", false, "run p4 directly instead of through sh -c")
	fs.StringVar(&opts.input, "input", "", "JSON object to send on p4's stdin")
	fs.IntVar(&opts.indent, "indent", 0, "override configured indent")
	fs.StringVar(&opts.bytes, "bytes", "", "override configured byte policy")
	fs.DurationVar(&opts.timeout, "timeout", 0, "override configured timeout (e.g. 30s)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		os.Exit(2)
	}

	query := fs.Args()
	if len(query) == 0 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	workspace, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("determining working directory: %w", err)
	}
	return runQuery(ctx, workspace, opts, query, os.Stdin, os.Stdout)
}

// runQuery runs one query from dir and writes the JSON document to stdout.
// Nothing is written on failure.
func runQuery(ctx context.Context, dir string, opts queryOptions, query []string, stdin io.Reader, stdout io.Writer) error {
	eng, err := newEngine(dir, opts)
	if err != nil {
		return err
	}

	var input *marshal.Record
	if opts.input != "" {
		input, err = readInput(opts.input, stdin)
		if err != nil {
			return err
		}
	}

	res, err := eng.Query(ctx, query, input)
	if err != nil {
		return err
	}

	if opts.verbose {
		note := color.New(color.FgCyan).SprintfFunc()
		log.Print(note("run %s: %s", res.Run.ID, strings.Join(res.Run.Argv, " ")))
		log.Print(note("%d records", res.Run.Count()))
		if res.Run.ExitCode != 0 {
			log.Print(color.New(color.FgYellow).Sprintf("p4 exited with status %d", res.Run.ExitCode))
		}
	}

	_, err = stdout.Write(res.Document)
	return err
}

func readInput(name string, stdin io.Reader) (*marshal.Record, error) {
	if name == "-" {
		return workflow.ParseInput(stdin)
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("reading input: %w", err)
	}
	defer f.Close()
	return workflow.ParseInput(f)
}

func newEngine(dir string, opts queryOptions) (*workflow.Engine, error) {
	loaded, err := config.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	cfg := loaded.Config

	bytesPolicy := cfg.Bytes
	if opts.bytes != "" {
		bytesPolicy = opts.bytes
	}
	policy, err := format.ParseBytesPolicy(bytesPolicy)
	if err != nil {
		return nil, err
	}

	indent := cfg.Indent()
	if opts.indent > 0 {
		indent = opts.indent
	}

	timeout := cfg.Timeout()
	if opts.timeout > 0 {
		timeout = opts.timeout
	}

	r := &runner.Runner{
		Binary:  cfg.Binary(),
		Globals: cfg.Globals(),
		Shell:   cfg.Shell() && !opts.exec,
		Dir:     loaded.WorkDir(),
		Timeout: timeout,
	}

	return &workflow.Engine{
		Config:    cfg,
		Runner:    r,
		Formatter: &format.Formatter{Indent: indent, Bytes: policy},
	}, nil
}

// --- mcp ---

func mcpMain(args []string) error {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)
	instructions := fs.Bool("instructions", false, "print model instructions and exit")
	httpAddr := fs.String("http", "", "start HTTP server on address (e.g. :9090)")
	_ = fs.Parse(args)

	if *instructions {
		fmt.Print(p4mcp.Instructions)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	return serve(ctx, *httpAddr)
}

func serve(ctx context.Context, httpAddr string) error {
	workspace, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("determining workspace: %w", err)
	}

	eng, err := newEngine(workspace, queryOptions{exec: true})
	if err != nil {
		return err
	}
	r := eng.Runner.(*runner.Runner)

	store := report.NewLRUStore(5, report.NewDiskStore(""))
	server := p4mcp.NewServer(eng, store, p4mcp.WithRootsConfig(r))

	if httpAddr != "" {
		return serveHTTP(ctx, server, httpAddr)
	}
	return server.Run(ctx, &mcpsdk.StdioTransport{})
}

func serveHTTP(ctx context.Context, server *mcpsdk.Server, addr string) error {
	handler := mcpsdk.NewStreamableHTTPHandler(
		func(_ *http.Request) *mcpsdk.Server { return server },
		nil,
	)

	httpServer := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		_ = httpServer.Close()
	}()

	log.Printf("listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
