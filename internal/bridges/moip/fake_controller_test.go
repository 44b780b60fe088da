package moip

import (
	"bufio"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeController speaks the line protocol on a loopback listener.
type fakeController struct {
	t  *testing.T
	ln net.Listener

	username string
	password string

	mu              sync.Mutex
	conns           map[net.Conn]struct{}
	accepted        int
	tx, rx          int
	routes          map[int]int // rx -> tx
	names           map[Kind]map[int]string
	received        []string
	broadcastSwitch bool
	switchTrailer   string // sent in the same write as the switch OK
	rejectCommands  map[string]string
	silent          map[string]bool // commands left unanswered
	slowReplyDelay  time.Duration
}

func newFakeController(t *testing.T, tx, rx int) *fakeController {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeController{
		t:              t,
		ln:             ln,
		conns:          make(map[net.Conn]struct{}),
		tx:             tx,
		rx:             rx,
		routes:         make(map[int]int),
		names:          map[Kind]map[int]string{KindTX: {}, KindRX: {}},
		rejectCommands: make(map[string]string),
		silent:         make(map[string]bool),
		slowReplyDelay: 200 * time.Millisecond,
	}
	for i := 1; i <= tx; i++ {
		f.names[KindTX][i] = fmt.Sprintf("Source %d", i)
	}
	for i := 1; i <= rx; i++ {
		f.names[KindRX][i] = fmt.Sprintf("Display %d", i)
	}
	go f.acceptLoop()
	t.Cleanup(f.Close)
	return f
}

func (f *fakeController) port() int {
	return f.ln.Addr().(*net.TCPAddr).Port
}

func (f *fakeController) settings() Settings {
	return Settings{
		Host:       "127.0.0.1",
		TelnetPort: f.port(),
		Telnet:     Credentials{Username: f.username, Password: f.password},
	}
}

func (f *fakeController) Close() {
	f.ln.Close()
	f.dropAll()
}

// dropAll closes every client connection, as a controller reboot would.
func (f *fakeController) dropAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.conns {
		c.Close()
		delete(f.conns, c)
	}
}

func (f *fakeController) connections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accepted
}

func (f *fakeController) setRoute(tx, rx int) {
	f.mu.Lock()
	f.routes[rx] = tx
	f.mu.Unlock()
}

// setDevices changes the inventory reported by ?Devices and ?Name.
func (f *fakeController) setDevices(tx, rx int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tx, f.rx = tx, rx
	for kind, count := range map[Kind]int{KindTX: tx, KindRX: rx} {
		for i := range f.names[kind] {
			if i > count {
				delete(f.names[kind], i)
			}
		}
		for i := 1; i <= count; i++ {
			if _, ok := f.names[kind][i]; !ok {
				f.names[kind][i] = fmt.Sprintf("Device %d", i)
			}
		}
	}
}

func (f *fakeController) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.received...)
}

// broadcast writes a raw line to every authenticated client.
func (f *fakeController) broadcast(line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.conns {
		fmt.Fprintf(c, "%s\r\n", line)
	}
}

func (f *fakeController) acceptLoop() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.serve(conn)
	}
}

func (f *fakeController) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	if f.username != "" && !f.login(conn, r) {
		return
	}

	f.mu.Lock()
	f.conns[conn] = struct{}{}
	f.accepted++
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.conns, conn)
		f.mu.Unlock()
	}()

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimSpace(line)
		f.mu.Lock()
		f.received = append(f.received, cmd)
		f.mu.Unlock()

		for _, reply := range f.reply(cmd) {
			if reply == "" {
				continue
			}
			fmt.Fprintf(conn, "%s\r\n", reply)
		}
	}
}

// login runs three prompt cycles at most, like the controller.
func (f *fakeController) login(conn net.Conn, r *bufio.Reader) bool {
	fmt.Fprint(conn, "MoIP Controller\r\n")
	for attempt := 0; attempt < 3; attempt++ {
		fmt.Fprint(conn, "login: ")
		user, err := r.ReadString('\n')
		if err != nil {
			return false
		}
		fmt.Fprint(conn, "Password: ")
		pass, err := r.ReadString('\n')
		if err != nil {
			return false
		}
		if strings.TrimSpace(user) == f.username && strings.TrimSpace(pass) == f.password {
			return true
		}
		fmt.Fprint(conn, "Login incorrect\r\n")
	}
	return false
}

func (f *fakeController) routingTable() string {
	rxs := make([]int, 0, len(f.routes))
	for rx := range f.routes {
		rxs = append(rxs, rx)
	}
	sort.Ints(rxs)
	pairs := make([]string, 0, len(rxs))
	for _, rx := range rxs {
		pairs = append(pairs, fmt.Sprintf("%d:%d", f.routes[rx], rx))
	}
	return strings.Join(pairs, ",")
}

func (f *fakeController) reply(cmd string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if text, ok := f.rejectCommands[cmd]; ok {
		return []string{"#" + text}
	}

	name, value, _ := strings.Cut(cmd, "=")
	if f.silent[name] {
		return nil
	}
	switch name {
	case "?Devices":
		return []string{fmt.Sprintf("?Devices=%d,%d", f.tx, f.rx)}
	case "?Receivers":
		return []string{"?Receivers=" + f.routingTable()}
	case "?Name":
		kind := KindRX
		if value == "1" {
			kind = KindTX
		}
		idx := make([]int, 0, len(f.names[kind]))
		for i := range f.names[kind] {
			idx = append(idx, i)
		}
		sort.Ints(idx)
		out := make([]string, 0, len(idx))
		for _, i := range idx {
			out = append(out, fmt.Sprintf("?Name=%s,%d,%s", value, i, f.names[kind][i]))
		}
		return out
	case "?Hang":
		return nil
	case "?Slow":
		conns := make([]net.Conn, 0, len(f.conns))
		for c := range f.conns {
			conns = append(conns, c)
		}
		delay := f.slowReplyDelay
		go func() {
			time.Sleep(delay)
			for _, c := range conns {
				fmt.Fprint(c, "?Slow=1\r\n")
			}
		}()
		return nil
	case "!Switch":
		a, b, _ := strings.Cut(value, ",")
		tx, _ := strconv.Atoi(a)
		rx, _ := strconv.Atoi(b)
		if rx < 1 || rx > f.rx || tx < 0 || tx > f.tx {
			return []string{"#Invalid switch"}
		}
		f.routes[rx] = tx
		out := []string{"OK"}
		if f.switchTrailer != "" {
			out = []string{"OK\r\n" + f.switchTrailer}
		}
		if f.broadcastSwitch {
			out = append(out, "~Receivers="+f.routingTable())
		}
		return out
	case "!CEC", "!Serial", "!IR":
		return []string{"OK"}
	}
	return []string{"#Unknown command"}
}
