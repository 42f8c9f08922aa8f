package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/WendelHime/commune/internal/config"
	"github.com/WendelHime/commune/internal/logic"
	"github.com/WendelHime/commune/internal/p2p"
	"github.com/WendelHime/commune/internal/servent"
	"github.com/WendelHime/commune/internal/shared/models"
)

const commandTimeout = 10 * time.Second

// Node is what the shell needs from the servent.
type Node interface {
	LocalID() uint64
	Connect(ctx context.Context, host string, port int) (*p2p.Connection, error)
	Connections() []*p2p.Connection
	KnownPeers() []*models.Peer
	Find(ctx context.Context, path string) ([]servent.Offer, error)
	Discover() int
}

type shell struct {
	node       Node
	downloader logic.Downloader
	out        io.Writer
	errOut     io.Writer
	now        func() time.Time
	// pause lets asynchronous effects of a command settle before the
	// next prompt.
	pause time.Duration
}

// run reads commands until exit, quit, end of input or ctx ends.
func (sh *shell) run(ctx context.Context, in io.Reader) {
	fmt.Fprintln(sh.out, "Welcome to Commune.")
	fmt.Fprintln(sh.out, `Type "help" for a list of commands.`)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(sh.out, "commune> ")
		if !scanner.Scan() || ctx.Err() != nil {
			break
		}
		if !sh.execute(ctx, strings.TrimSpace(scanner.Text())) {
			break
		}
	}
	fmt.Fprintln(sh.out, "Shutting down.")
}

// execute runs one command line and reports whether the shell should keep
// going.
func (sh *shell) execute(ctx context.Context, line string) bool {
	cmd, args, _ := strings.Cut(line, " ")
	args = strings.TrimSpace(args)

	switch cmd {
	case "":
	case "help":
		sh.help()
	case "exit", "quit":
		return false
	case "connect":
		sh.connect(ctx, args)
		sh.wait()
	case "connections":
		sh.connections()
	case "discover":
		sh.discover()
		sh.wait()
	case "find":
		sh.find(ctx, args)
	case "get":
		sh.get(ctx, strings.Fields(args))
	case "peers":
		sh.peers()
	case "whoami":
		fmt.Fprintf(sh.out, "Peer ID: %016x\n", sh.node.LocalID())
	default:
		fmt.Fprintln(sh.errOut, `Unknown command. Type "help" for help.`)
	}
	return true
}

func (sh *shell) wait() {
	if sh.pause > 0 {
		time.Sleep(sh.pause)
	}
}

func (sh *shell) help() {
	fmt.Fprintln(sh.out, "Available commands:")
	fmt.Fprintln(sh.out, "  connect host[:port]      Open a new connection")
	fmt.Fprintln(sh.out, "  connections              List open connections")
	fmt.Fprintln(sh.out, "  discover                 Discover new peers")
	fmt.Fprintln(sh.out, "  exit                     Quit the program")
	fmt.Fprintln(sh.out, "  find path                Find copies of the file on connected peers")
	fmt.Fprintln(sh.out, "  get [host[:port]] path   Request a file")
	fmt.Fprintln(sh.out, "  peers                    Show all known peers")
	fmt.Fprintln(sh.out, "  whoami                   Show local peer ID")
}

func (sh *shell) connect(ctx context.Context, addr string) {
	host, port, err := models.ParseHostPort(addr, config.DefaultPort)
	if err != nil {
		fmt.Fprintf(sh.errOut, "Invalid address %q.\n", addr)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if _, err := sh.node.Connect(ctx, host, port); err != nil {
		fmt.Fprintf(sh.errOut, "Failed to open connection: %v\n", err)
	}
}

func (sh *shell) connections() {
	conns := sh.node.Connections()
	if len(conns) == 0 {
		fmt.Fprintln(sh.out, "No connections are open.")
		return
	}
	fmt.Fprintf(sh.out, "%d connection(s) are open:\n", len(conns))
	now := sh.now()
	for _, conn := range conns {
		fmt.Fprintf(sh.out, "  %s", conn.RemoteAddr())
		if agent := conn.Peer().Agent; agent != "" {
			fmt.Fprintf(sh.out, ", using %s", agent)
		}
		fmt.Fprintf(sh.out, ", %d seconds\n", secondsSince(now, conn.LastContact()))
	}
}

func (sh *shell) discover() {
	n := sh.node.Discover()
	fmt.Fprintf(sh.out, "Asked %d peer(s) for their known peers.\n", n)
}

func (sh *shell) find(ctx context.Context, path string) {
	if path == "" {
		fmt.Fprintln(sh.errOut, "usage: find path")
		return
	}
	path = cleanPath(path)
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	offers, err := sh.node.Find(ctx, path)
	if err != nil {
		fmt.Fprintf(sh.errOut, "Search failed: %v\n", err)
		return
	}
	sh.results(path, offers)
}

func (sh *shell) get(ctx context.Context, args []string) {
	var (
		name string
		err  error
	)
	switch len(args) {
	case 1:
		path := cleanPath(args[0])
		name, err = sh.downloader.Download(ctx, path)
		if errors.Is(err, logic.ErrNotFound) || errors.Is(err, logic.ErrAmbiguous) {
			// Show what is out there.
			sh.find(ctx, path)
			return
		}
		if err == nil {
			fmt.Fprintf(sh.out, "Downloaded %s to %s.\n", path, name)
		}
	case 2:
		host, port, perr := models.ParseHostPort(args[0], config.DefaultPort)
		if perr != nil {
			fmt.Fprintf(sh.errOut, "Invalid address %q.\n", args[0])
			return
		}
		path := cleanPath(args[1])
		name, err = sh.downloader.DownloadFrom(ctx, host, port, path)
		if err == nil {
			fmt.Fprintf(sh.out, "Downloaded //%s%s to %s.\n", models.JoinHostPort(host, port), path, name)
		}
	default:
		fmt.Fprintln(sh.errOut, "usage: get [host[:port]] path")
		return
	}
	if err != nil {
		fmt.Fprintf(sh.errOut, "Failed to download %s: %v\n", strings.Join(args, " "), err)
	}
}

func (sh *shell) results(path string, offers []servent.Offer) {
	if len(offers) == 0 {
		fmt.Fprintf(sh.out, "File %q was not found on any peers.\n", path)
		return
	}
	fmt.Fprintf(sh.out, "Found %d result(s) for file %q.\n", len(offers), path)
	for _, o := range offers {
		fmt.Fprintf(sh.out, "  peer %016x (%s):\n", o.Peer.ID, o.Peer.Address())
		fmt.Fprintf(sh.out, "    %s, %s", describeSize(o.Resource.Length), o.Resource.ContentType)
		if o.Resource.Digest != nil {
			fmt.Fprintf(sh.out, ", %x", o.Resource.Digest)
		}
		fmt.Fprintln(sh.out)
	}
}

func (sh *shell) peers() {
	peers := sh.node.KnownPeers()
	if len(peers) == 0 {
		fmt.Fprintln(sh.out, "No peers have been discovered.")
		return
	}
	fmt.Fprintf(sh.out, "%d peer(s) have been discovered:\n", len(peers))
	now := sh.now()
	for _, p := range peers {
		fmt.Fprintf(sh.out, "  %016x; %s", p.ID, p.Address())
		if !p.LastContact.IsZero() {
			fmt.Fprintf(sh.out, "; %d seconds", secondsSince(now, p.LastContact))
		}
		fmt.Fprintln(sh.out)
	}
}

func cleanPath(path string) string {
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}

func secondsSince(now, then time.Time) int64 {
	if then.IsZero() || then.After(now) {
		return 0
	}
	return int64(now.Sub(then) / time.Second)
}

func describeSize(bytes int64) string {
	suffixes := []string{"B", "KB", "MB", "GB", "TB"}
	size := float64(bytes)
	i := 0
	for ; i < len(suffixes)-1 && size >= 1000; i++ {
		size /= 1000
	}
	if i == 0 {
		return fmt.Sprintf("%d %s", bytes, suffixes[0])
	}
	return fmt.Sprintf("%.02f %s", size, suffixes[i])
}
