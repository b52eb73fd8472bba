// pgmcat is a minimal send/recv example: parse a couple of positional
// arguments, wire up one transport, run until killed.
package main

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/YaoZengzeng/pgm/internal/transportcfg"
	"github.com/YaoZengzeng/pgm/pgmtime"
	"github.com/YaoZengzeng/pgm/transport"
)

func main() {
	if len(os.Args) != 4 {
		log.Fatal("Usage: ", os.Args[0], " <send|recv> <multicast-group> <port>")
	}

	mode := os.Args[1]
	group := net.ParseIP(os.Args[2])
	if group == nil {
		log.Fatalf("bad multicast group: %v", os.Args[2])
	}
	port, err := strconv.Atoi(os.Args[3])
	if err != nil {
		log.Fatalf("bad port: %v", os.Args[3])
	}

	pgmtime.Init()
	defer pgmtime.Shutdown()

	t, err := transport.Create(transportcfg.Defaults(), pgmtime.Now())
	if err != nil {
		log.Fatal(err)
	}
	if err := t.Bind(transport.BindConfig{Group: group, Port: port}); err != nil {
		log.Fatal(err)
	}
	defer t.Destroy(false)

	switch mode {
	case "send":
		runSend(t)
	case "recv":
		runRecv(t)
	default:
		log.Fatalf("unknown mode %q, want send or recv", mode)
	}
}

func runSend(t *transport.Transport) {
	scanner := bufio.NewScanner(os.Stdin)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for scanner.Scan() {
		now := pgmtime.UpdateNow()
		status, err := t.Send(scanner.Bytes(), now)
		if err != nil {
			log.Fatal(err)
		}
		if status != transport.StatusNormal {
			fmt.Fprintln(os.Stderr, "send: ", status)
		}
		t.TimerTick(now)
	}
}

func runRecv(t *transport.Transport) {
	for {
		now := pgmtime.UpdateNow()
		t.TimerTick(now)

		status, msgs, _, err := t.RecvMsgV(16, now)
		if err != nil {
			log.Fatal(err)
		}
		for _, m := range msgs {
			if m.Gap {
				fmt.Fprintln(os.Stderr, "lost apdu at sqn ", m.FirstSqn)
				continue
			}
			os.Stdout.Write(m.Payload())
			os.Stdout.Write([]byte{'\n'})
		}
		if status == transport.StatusAgain || status == transport.StatusAgain2 {
			if err := t.Poll(now); err != nil {
				log.Fatal(err)
			}
		}
	}
}
