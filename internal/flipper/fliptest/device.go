// Package fliptest provides an in-process device that speaks the storage CLI
// protocol, for exercising sessions without hardware.
package fliptest

import (
	"bufio"
	"crypto/md5" //nolint:gosec // mirrors the device digest
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const (
	prompt = "\r\n>: "
	banner = "\r\n  _.-------.._\r\n Welcome to Flipper Zero Command Line Interface!\r\n"

	notExist     = "Storage error: file/dir not exist"
	alreadyExist = "Storage error: file/dir already exist"
	internalErr  = "Storage error: internal error"
)

// Device is a simulated device with an in-memory storage tree rooted at
// /ext and /int.
type Device struct {
	mu       sync.Mutex
	files    map[string][]byte
	dirs     map[string]bool
	commands []string
	failOn   map[string]bool
	closes   int
	hangup   bool

	hostR *io.PipeReader // host reads device output
	devW  *io.PipeWriter
	devR  *io.PipeReader // device reads host input
	hostW *io.PipeWriter
	done  chan struct{}
}

// Option configures a Device
type Option func(*Device)

// WithFile seeds a remote file
func WithFile(p, content string) Option {
	return func(d *Device) {
		d.files[p] = []byte(content)
	}
}

// WithDir seeds a remote directory
func WithDir(p string) Option {
	return func(d *Device) {
		d.dirs[p] = true
	}
}

// WithFailure makes every storage subcommand named sub (e.g. "write_chunk")
// answer with an internal storage error.
func WithFailure(sub string) Option {
	return func(d *Device) {
		d.failOn[sub] = true
	}
}

// WithHangup makes the device drop the connection before printing its
// banner, so session start fails.
func WithHangup() Option {
	return func(d *Device) {
		d.hangup = true
	}
}

// New starts a simulated device
func New(opts ...Option) *Device {
	d := &Device{
		files:  make(map[string][]byte),
		dirs:   map[string]bool{"/ext": true, "/int": true},
		failOn: make(map[string]bool),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.hostR, d.devW = io.Pipe()
	d.devR, d.hostW = io.Pipe()
	go d.serve()
	return d
}

// Conn returns the host side of the connection
func (d *Device) Conn() io.ReadWriteCloser {
	return &conn{d: d}
}

// Files returns a copy of every remote file keyed by path
func (d *Device) Files() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]string, len(d.files))
	for p, data := range d.files {
		out[p] = string(data)
	}
	return out
}

// Dirs returns every remote directory, sorted
func (d *Device) Dirs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.dirs))
	for p := range d.dirs {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Commands returns every command line received, in order
func (d *Device) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

// CountCommands returns how many received commands start with prefix
func (d *Device) CountCommands(prefix string) int {
	n := 0
	for _, c := range d.Commands() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// Closes returns how many times the host closed its connection
func (d *Device) Closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}

// Wait blocks until the device loop has exited
func (d *Device) Wait() {
	<-d.done
}

type conn struct {
	d    *Device
	once sync.Once
}

func (c *conn) Read(p []byte) (int, error)  { return c.d.hostR.Read(p) }
func (c *conn) Write(p []byte) (int, error) { return c.d.hostW.Write(p) }

func (c *conn) Close() error {
	c.d.mu.Lock()
	c.d.closes++
	c.d.mu.Unlock()
	c.once.Do(func() {
		_ = c.d.hostW.Close()
		_ = c.d.hostR.Close()
	})
	return nil
}

func (d *Device) serve() {
	defer close(d.done)
	defer func() {
		_ = d.devW.Close()
	}()

	in := bufio.NewReader(d.devR)
	if d.hangup {
		return
	}
	if !d.out(banner + prompt) {
		return
	}

	for {
		line, err := in.ReadString('\r')
		if err != nil {
			return
		}
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if line == "" {
			if !d.out(prompt) {
				return
			}
			continue
		}

		d.mu.Lock()
		d.commands = append(d.commands, line)
		d.mu.Unlock()

		if !d.out(line + "\r\n") {
			return
		}
		if !d.handle(line, in) {
			return
		}
	}
}

func (d *Device) out(s string) bool {
	_, err := io.WriteString(d.devW, s)
	return err == nil
}

func (d *Device) answer(s string) bool {
	if s == "" {
		return d.out(prompt)
	}
	return d.out(s + "\r\n" + prompt)
}

func (d *Device) handle(line string, in *bufio.Reader) bool {
	if line == "device_info" {
		return d.answer("hardware_model      : 7\r\nhardware_name       : Simulated\r\nfirmware_version    : 0.0.0")
	}

	rest, ok := strings.CutPrefix(line, "storage ")
	if !ok {
		return d.answer(fmt.Sprintf("`%s` command not found", strings.Fields(line)[0]))
	}
	sub, args, _ := strings.Cut(rest, " ")
	p, extra, err := parsePath(args)
	if err != nil {
		return d.answer("Storage error: invalid arguments")
	}

	d.mu.Lock()
	fail := d.failOn[sub]
	d.mu.Unlock()

	if sub == "write_chunk" {
		return d.writeChunk(p, extra, fail, in)
	}
	if fail {
		return d.answer(internalErr)
	}

	// The lock is released before answering; the host may be slow to read.
	d.mu.Lock()
	var resp string
	switch sub {
	case "stat":
		resp = d.stat(p)
	case "mkdir":
		resp = d.mkdir(p)
	case "remove":
		resp = d.remove(p)
	case "md5":
		resp = d.md5(p)
	default:
		resp = "Storage error: unknown command " + sub
	}
	d.mu.Unlock()

	return d.answer(resp)
}

func (d *Device) md5(p string) string {
	data, ok := d.files[p]
	if !ok {
		return notExist
	}
	sum := md5.Sum(data) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

func (d *Device) stat(p string) string {
	switch {
	case p == "/ext" || p == "/int":
		return "Storage, 7.5GiB total, 7.4GiB free"
	case d.dirs[p]:
		return "Directory"
	}
	if data, ok := d.files[p]; ok {
		return fmt.Sprintf("File, size: %db", len(data))
	}
	return notExist
}

func (d *Device) mkdir(p string) string {
	if d.dirs[p] {
		return alreadyExist
	}
	if _, ok := d.files[p]; ok {
		return alreadyExist
	}
	if !d.dirs[path.Dir(p)] {
		return notExist
	}
	d.dirs[p] = true
	return ""
}

func (d *Device) remove(p string) string {
	if _, ok := d.files[p]; ok {
		delete(d.files, p)
		return ""
	}
	if !d.dirs[p] {
		return notExist
	}
	for other := range d.dirs {
		if path.Dir(other) == p {
			return "Storage error: directory not empty"
		}
	}
	for other := range d.files {
		if path.Dir(other) == p {
			return "Storage error: directory not empty"
		}
	}
	delete(d.dirs, p)
	return ""
}

func (d *Device) writeChunk(p, sizeArg string, fail bool, in *bufio.Reader) bool {
	size, err := strconv.Atoi(strings.TrimSpace(sizeArg))
	if err != nil || size < 0 {
		return d.answer("Storage error: invalid arguments")
	}
	if fail {
		return d.answer(internalErr)
	}

	d.mu.Lock()
	parentOK := d.dirs[path.Dir(p)]
	d.mu.Unlock()
	if !parentOK {
		return d.answer(notExist)
	}

	if !d.out("Ready\r\n") {
		return false
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(in, buf); err != nil {
		return false
	}

	d.mu.Lock()
	d.files[p] = append(d.files[p], buf...)
	d.mu.Unlock()
	return d.out(prompt)
}

// parsePath splits `"quoted path" rest` into the path and the remainder
func parsePath(args string) (string, string, error) {
	args = strings.TrimSpace(args)
	if !strings.HasPrefix(args, `"`) {
		p, rest, _ := strings.Cut(args, " ")
		return p, rest, nil
	}
	end := strings.Index(args[1:], `"`)
	if end < 0 {
		return "", "", fmt.Errorf("unterminated path in %q", args)
	}
	return args[1 : end+1], strings.TrimSpace(args[end+2:]), nil
}
