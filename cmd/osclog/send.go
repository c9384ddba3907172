package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	ossignal "os/signal"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"osclog/internal/osc"
)

// newSendCmd builds a traffic generator for exercising a recorder.
func newSendCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send synthetic OSC messages to a port",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			host, _ := f.GetString("host")
			port, _ := f.GetInt("port")
			address, _ := f.GetString("address")
			count, _ := f.GetInt("count")
			perSec, _ := f.GetFloat64("rate")
			nargs, _ := f.GetInt("args")
			bundle, _ := f.GetInt("bundle")

			if port < 1 || port > 65535 {
				return fmt.Errorf("--port %d out of range 1-65535", port)
			}
			ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			g := generator{
				address: qualifyAddress(port, address),
				count:   count,
				nargs:   nargs,
				bundle:  bundle,
				limiter: newLimiter(perSec),
			}
			sent, err := g.run(ctx, net.JoinHostPort(host, strconv.Itoa(port)))
			logger.Info("send finished", "address", g.address, "messages", sent)
			return err
		},
	}

	f := cmd.Flags()
	f.String("host", "127.0.0.1", "destination host")
	f.Int("port", 0, "destination port (required)")
	f.String("address", "eeg", "OSC address; bare names are sent as /<port>/<name>")
	f.Int("count", 100, "number of messages to send")
	f.Float64("rate", 0, "messages per second (0 = as fast as possible)")
	f.Int("args", 4, "float arguments per message")
	f.Int("bundle", 1, "messages per datagram; above 1 they are sent as a bundle")
	_ = cmd.MarkFlagRequired("port")
	return cmd
}

// qualifyAddress turns a bare signal name into /<port>/<name>.
func qualifyAddress(port int, address string) string {
	if strings.HasPrefix(address, "/") {
		return address
	}
	return fmt.Sprintf("/%d/%s", port, address)
}

func newLimiter(perSec float64) *rate.Limiter {
	if perSec <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(perSec), 1)
}

type generator struct {
	address string
	count   int
	nargs   int
	bundle  int
	limiter *rate.Limiter
}

// packet encodes the messages with sequence numbers seq, seq+1, ...
func (g generator) packet(seq, n int) ([]byte, error) {
	msgs := make([]osc.Message, n)
	for i := range msgs {
		args := make([]any, 0, g.nargs+1)
		args = append(args, int32(seq+i))
		for range g.nargs {
			args = append(args, rand.Float32())
		}
		msgs[i] = osc.NewMessage(g.address, args...)
	}
	if n == 1 {
		return msgs[0].MarshalBinary()
	}
	return osc.EncodeBundle(osc.Immediate, msgs...)
}

// run sends g.count messages to addr and returns how many were sent.
func (g generator) run(ctx context.Context, addr string) (int, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return 0, err
	}
	defer func() { _ = conn.Close() }()

	per := max(g.bundle, 1)
	sent := 0
	for sent < g.count {
		n := min(per, g.count-sent)
		if err := g.limiter.WaitN(ctx, 1); err != nil {
			if errors.Is(err, context.Canceled) {
				return sent, nil
			}
			return sent, err
		}
		pkt, err := g.packet(sent, n)
		if err != nil {
			return sent, err
		}
		if _, err := conn.Write(pkt); err != nil {
			return sent, fmt.Errorf("send to %s: %w", addr, err)
		}
		sent += n
	}
	return sent, nil
}
