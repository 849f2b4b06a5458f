package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	silas "github.com/DavSimFel/silas"
)

// consoleChannel is the built-in transport: one connection, lines from
// stdin in, responses to stdout. Production deployments replace it with
// a gateway adapter; it keeps `silas start` usable without one.
type consoleChannel struct {
	in     io.Reader
	out    io.Writer
	conn   string
	sender string
}

// compile-time check
var _ silas.Channel = (*consoleChannel)(nil)

func newConsoleChannel(sender string) *consoleChannel {
	if sender == "" {
		sender = "console"
	}
	return &consoleChannel{in: os.Stdin, out: os.Stdout, conn: "console", sender: sender}
}

func (c *consoleChannel) Listen(ctx context.Context) (<-chan silas.InboundMessage, error) {
	out := make(chan silas.InboundMessage)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(c.in)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			text := scanner.Text()
			if text == "" {
				continue
			}
			msg := silas.InboundMessage{
				ConnectionID: c.conn,
				Message: silas.Message{
					ID:        silas.NewID(),
					Sender:    c.sender,
					Text:      text,
					Taint:     silas.TaintOwner,
					CreatedAt: silas.NowUnix(),
				},
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *consoleChannel) Send(ctx context.Context, recipient, text string, replyTo string) error {
	_, err := fmt.Fprintln(c.out, text)
	return err
}
