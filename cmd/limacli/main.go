// limacli is a command line client for lima-http servers.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/theckman/yacspin"
	"golang.org/x/time/rate"
)

// Version is the version number, typically injected via ldflags at
// build time
var Version = "1"

type strT struct {
	Str string `json:"str"`
}

type f64T struct {
	F64 float64 `json:"f64"`
}

type intT struct {
	Int int `json:"int"`
}

type client struct {
	addr string
	http *http.Client
}

func (c *client) url(route string) string {
	return strings.TrimRight(c.addr, "/") + route
}

func (c *client) getJSON(route string, dst interface{}) error {
	resp, err := c.http.Get(c.url(route))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GET %s: %s: %s", route, resp.Status, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

func (c *client) postJSON(route string, src interface{}) error {
	var body io.Reader
	if src != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(src); err != nil {
			return err
		}
		body = buf
	}
	resp, err := c.http.Post(c.url(route), "application/json", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("POST %s: %s: %s", route, resp.Status, strings.TrimSpace(string(b)))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *client) status() (string, error) {
	s := strT{}
	err := c.getJSON("/status", &s)
	return s.Str, err
}

func (c *client) references() ([]string, error) {
	refs := []string{}
	err := c.getJSON("/references", &refs)
	return refs, err
}

func spinner(suffix string) (*yacspin.Spinner, error) {
	return yacspin.New(yacspin.Config{
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[14],
		Suffix:          " " + suffix,
		SuffixAutoColon: true,
		StopCharacter:   "✓",
		StopColors:      []string{"fgGreen"},
	})
}

// waitReady polls the acquisition status until it leaves Running,
// pacing the requests so a fast scan does not hammer the server.
func waitReady(c *client, hz float64) (string, error) {
	spin, err := spinner("acquiring")
	if err != nil {
		return "", err
	}
	spin.Start()
	defer spin.Stop()
	limiter := rate.NewLimiter(rate.Limit(hz), 1)
	ctx := context.Background()
	for {
		if err := limiter.Wait(ctx); err != nil {
			return "", err
		}
		st, err := c.status()
		if err != nil {
			spin.StopFail()
			return "", err
		}
		spin.Message(st)
		if st != "Running" {
			return st, nil
		}
	}
}

func doStatus(c *client) error {
	st, err := c.status()
	if err != nil {
		return err
	}
	fmt.Println(st)
	camera := map[string]string{}
	if err := c.getJSON("/camera", &camera); err == nil {
		fmt.Printf("%s (%s)\n", camera["type"], camera["model"])
	}
	return nil
}

func doAcquire(c *client, args []string) error {
	fs := flag.NewFlagSet("acquire", flag.ExitOnError)
	expo := fs.Float64("exposure", 0, "exposure time in seconds, 0 keeps the server value")
	points := fs.Int("points", 0, "number of frames, 0 keeps the server value")
	trig := fs.String("trigger", "", "synchronization mode, empty keeps the server value")
	hz := fs.Float64("rate", 10, "status poll rate in Hz")
	fs.Parse(args)

	if *expo > 0 {
		if err := c.postJSON("/exposure-time", f64T{F64: *expo}); err != nil {
			return err
		}
	}
	if *points > 0 {
		if err := c.postJSON("/nb-points", intT{Int: *points}); err != nil {
			return err
		}
	}
	if *trig != "" {
		if err := c.postJSON("/trigger-source", strT{Str: *trig}); err != nil {
			return err
		}
	}
	if err := c.postJSON("/prepare", nil); err != nil {
		return err
	}
	if err := c.postJSON("/start", nil); err != nil {
		return err
	}
	st, err := waitReady(c, *hz)
	if err != nil {
		return err
	}
	fmt.Println(st)
	refs, err := c.references()
	if err != nil {
		return err
	}
	for _, ref := range refs {
		fmt.Println(ref)
	}
	return nil
}

func doWatch(c *client, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	hz := fs.Float64("rate", 2, "status poll rate in Hz")
	fs.Parse(args)
	limiter := rate.NewLimiter(rate.Limit(*hz), 1)
	ctx := context.Background()
	prev := ""
	for {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		st, err := c.status()
		if err != nil {
			return err
		}
		if st != prev {
			fmt.Printf("%s  %s\n", time.Now().Format(time.RFC3339), st)
			prev = st
		}
	}
}

func doFrame(c *client, args []string) error {
	fs := flag.NewFlagSet("frame", flag.ExitOnError)
	out := fs.String("o", "frame.fits", "output file, extension selects the format")
	fs.Parse(args)
	var format string
	switch ext := strings.ToLower(*out); {
	case strings.HasSuffix(ext, ".png"):
		format = "png"
	case strings.HasSuffix(ext, ".jpg"), strings.HasSuffix(ext, ".jpeg"):
		format = "jpg"
	default:
		format = "fits"
	}
	resp, err := c.http.Get(c.url("/frame?format=" + format))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GET /frame: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	defer f.Close()
	n, err := io.Copy(f, resp.Body)
	if err != nil {
		return err
	}
	fmt.Printf("wrote %d bytes to %s\n", n, *out)
	return nil
}

func doGet(c *client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: limacli get <parameter>")
	}
	v := map[string]interface{}{}
	if err := c.getJSON("/param/"+args[0], &v); err != nil {
		return err
	}
	fmt.Println(v["value"])
	return nil
}

func doSet(c *client, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: limacli set <parameter> <value>")
	}
	var v interface{} = args[1]
	if f, err := strconv.ParseFloat(args[1], 64); err == nil {
		v = f
	} else if b, err := strconv.ParseBool(args[1]); err == nil {
		v = b
	}
	return c.postJSON("/param/"+args[0], map[string]interface{}{"value": v})
}

func usage() {
	str := `limacli talks to a lima-http server.

Usage:
	limacli [-addr URL] <command> [args]

Commands:
	status                  print the acquisition status and camera identity
	acquire [flags]         configure, run one acquisition, print the saved files
	watch [flags]           print the status every time it changes
	frame [-o file]         download the newest frame as FITS, PNG or JPEG
	get <parameter>         read a detector parameter
	set <parameter> <value> write a detector parameter
	version`
	fmt.Println(str)
}

func main() {
	addr := flag.String("addr", "http://localhost:8000/lima", "base URL of the lima-http server")
	timeout := flag.Duration("timeout", 10*time.Second, "HTTP request timeout")
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
		return
	}
	c := &client{addr: *addr, http: &http.Client{Timeout: *timeout}}
	var err error
	switch strings.ToLower(args[0]) {
	case "status":
		err = doStatus(c)
	case "acquire":
		err = doAcquire(c, args[1:])
	case "watch":
		err = doWatch(c, args[1:])
	case "frame":
		err = doFrame(c, args[1:])
	case "get":
		err = doGet(c, args[1:])
	case "set":
		err = doSet(c, args[1:])
	case "version":
		fmt.Printf("limacli version %v\n", Version)
	default:
		usage()
		err = fmt.Errorf("unknown command %q", args[0])
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
