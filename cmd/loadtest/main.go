// Command loadtest drives a BuddyChat server with many simulated users. Users
// are paired up as friends and chat with their partner at random intervals.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/aeolun/buddychat/pkg/botlib"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat."

const password = "loadtest1"

var loremWords = strings.Fields(loremIpsum)

// getCPULoad returns the 1-minute load average
func getCPULoad() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	var load1 float64
	fmt.Sscanf(string(data), "%f", &load1)
	return load1
}

func randomText() string {
	n := 3 + rand.Intn(12)
	words := make([]string, n)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

// Stats tracks performance metrics
type Stats struct {
	sent             atomic.Int64
	failed           atomic.Int64
	delivered        atomic.Int64
	receiptTimeUs    atomic.Int64
	deliveryTimeUs   atomic.Int64
	connectionErrors atomic.Int64
	successfulPairs  atomic.Int64

	// Setup failure breakdown
	connectFailed  atomic.Int64
	registerFailed atomic.Int64
	loginFailed    atomic.Int64
	befriendFailed atomic.Int64
}

func (s *Stats) recordSent(receipt time.Duration) {
	s.sent.Add(1)
	s.receiptTimeUs.Add(receipt.Microseconds())
}

func (s *Stats) recordDelivered(latency time.Duration) {
	s.delivered.Add(1)
	s.deliveryTimeUs.Add(latency.Microseconds())
}

func (s *Stats) snapshot() (sent, failed, delivered int64, avgReceiptUs, avgDeliveryUs float64) {
	sent = s.sent.Load()
	failed = s.failed.Load()
	delivered = s.delivered.Load()
	if sent > 0 {
		avgReceiptUs = float64(s.receiptTimeUs.Load()) / float64(sent)
	}
	if delivered > 0 {
		avgDeliveryUs = float64(s.deliveryTimeUs.Load()) / float64(delivered)
	}
	return
}

// stampText prefixes text with the send time so the receiver can measure
// delivery latency.
func stampText(text string) string {
	return strconv.FormatInt(time.Now().UnixNano(), 10) + " " + text
}

func parseStamp(text string) (time.Time, bool) {
	head, _, ok := strings.Cut(text, " ")
	if !ok {
		return time.Time{}, false
	}
	ns, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// client is one simulated user.
type client struct {
	*botlib.Bot
	answers chan *botlib.FriendAnswer
}

// newClient connects, registers and logs in one simulated user.
func newClient(id int, config botlib.Config, stats *Stats) (*client, error) {
	config.Nickname = fmt.Sprintf("load%d", id)
	config.Password = password
	config.Logger = logrus.WithField("client", id)

	bot := botlib.New(config)
	c := &client{Bot: bot, answers: make(chan *botlib.FriendAnswer, 4)}
	bot.OnMessage(func(_ *botlib.Context, msg *botlib.Message) {
		if sentAt, ok := parseStamp(msg.Text); ok {
			stats.recordDelivered(time.Since(sentAt))
		}
	})
	bot.OnFriendAnswer(func(ans *botlib.FriendAnswer) {
		select {
		case c.answers <- ans:
		default:
		}
	})

	if err := bot.Connect(); err != nil {
		stats.connectFailed.Add(1)
		return nil, err
	}
	userID, err := bot.Register(config.Nickname, config.Password)
	if err != nil {
		stats.registerFailed.Add(1)
		bot.Close()
		return nil, err
	}
	if _, err := bot.Login(userID, config.Password); err != nil {
		stats.loginFailed.Add(1)
		bot.Close()
		return nil, err
	}
	return c, nil
}

// befriend makes a and b friends. b must have AutoAccept set.
func befriend(a, b *client, timeout time.Duration) error {
	if err := a.AddFriend(b.ID(), ""); err != nil {
		return err
	}
	deadline := time.After(timeout)
	for {
		select {
		case ans := <-a.answers:
			if ans.FromID != b.ID() {
				continue
			}
			if !ans.Accepted {
				return fmt.Errorf("%s denied the request", b.ID())
			}
			return nil
		case <-deadline:
			return fmt.Errorf("no answer from %s", b.ID())
		}
	}
}

// runPair chats between two friends until the duration is over.
func runPair(ctx context.Context, a, b *client, duration, minDelay, maxDelay time.Duration, stats *Stats) {
	end := time.Now().Add(duration)
	pctx, cancel := context.WithDeadline(ctx, end)
	defer cancel()

	chat := func(from, to *client) {
		for {
			delay := minDelay
			if maxDelay > minDelay {
				delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
			}
			select {
			case <-pctx.Done():
				return
			case <-time.After(delay):
			}

			start := time.Now()
			if err := from.SendChat(to.ID(), stampText(randomText())); err != nil {
				stats.failed.Add(1)
				logrus.WithError(err).Debug("chat failed")
				continue
			}
			stats.recordSent(time.Since(start))
		}
	}

	done := make(chan struct{})
	go func() {
		chat(b, a)
		close(done)
	}()
	chat(a, b)
	<-done
}

func main() {
	serverAddr := flag.String("server", "localhost:6565", "Server address (host:port)")
	transport := flag.String("transport", "tcp", "Transport: 'tcp' or 'ws'")
	secret := flag.String("secret", "", "Shared secret, if the server encrypts envelopes")
	numClients := flag.Int("clients", 10, "Number of concurrent clients (rounded up to even)")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between chats")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between chats")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logFile, err := os.OpenFile("loadtest.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o666)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create loadtest.log: %v\n", err)
		os.Exit(1)
	}
	logrus.SetOutput(io.MultiWriter(os.Stdout, logFile))
	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	pairs := (*numClients + 1) / 2
	rampUp := *duration / 4
	stagger := rampUp / time.Duration(pairs)
	if stagger < time.Millisecond {
		stagger = time.Millisecond
	}

	logrus.WithFields(logrus.Fields{
		"server":    *serverAddr,
		"transport": *transport,
		"clients":   pairs * 2,
		"duration":  *duration,
		"ramp_up":   rampUp,
	}).Info("Starting load test")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stats := &Stats{}
	base := botlib.Config{Server: *serverAddr, Transport: *transport, SharedSecret: *secret, ResponseTimeout: 10 * time.Second}

	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		start := time.Now()
		for {
			select {
			case <-ticker.C:
				sent, failed, delivered, receiptUs, deliveryUs := stats.snapshot()
				logrus.Infof("Stats: %d sent (%.1f/s), %d delivered, %d failed, receipt %.2fms, delivery %.2fms, load %.2f, goroutines %d",
					sent, float64(sent)/time.Since(start).Seconds(), delivered, failed,
					receiptUs/1000, deliveryUs/1000, getCPULoad(), runtime.NumGoroutine())
			case <-stopStats:
				return
			}
		}
	}()

	var g errgroup.Group
	for i := 0; i < pairs && ctx.Err() == nil; i++ {
		id := i
		g.Go(func() error {
			a, err := newClient(2*id, base, stats)
			if err != nil {
				stats.connectionErrors.Add(1)
				return nil
			}
			defer a.Close()

			acceptor := base
			acceptor.AutoAccept = true
			b, err := newClient(2*id+1, acceptor, stats)
			if err != nil {
				stats.connectionErrors.Add(1)
				return nil
			}
			defer b.Close()

			if err := befriend(a, b, base.ResponseTimeout); err != nil {
				stats.befriendFailed.Add(1)
				stats.connectionErrors.Add(1)
				return nil
			}
			stats.successfulPairs.Add(1)

			runPair(ctx, a, b, *duration, *minDelay, *maxDelay, stats)
			return nil
		})

		select {
		case <-ctx.Done():
		case <-time.After(stagger):
		}
	}

	g.Wait()
	close(stopStats)

	sent, failed, delivered, receiptUs, deliveryUs := stats.snapshot()
	okPairs := stats.successfulPairs.Load()

	logrus.Info("=== Final Results ===")
	logrus.Infof("Pairs: %d attempted, %d successful (%.1f%%)", pairs, okPairs, float64(okPairs)/float64(pairs)*100)
	logrus.Infof("Chats sent: %d (%.1f/s)", sent, float64(sent)/duration.Seconds())
	logrus.Infof("Chats delivered: %d", delivered)
	logrus.Infof("Chats failed: %d", failed)
	logrus.Infof("Connection errors: %d", stats.connectionErrors.Load())
	if stats.connectionErrors.Load() > 0 {
		logrus.Infof("  - Connect failed: %d", stats.connectFailed.Load())
		logrus.Infof("  - Register failed: %d", stats.registerFailed.Load())
		logrus.Infof("  - Login failed: %d", stats.loginFailed.Load())
		logrus.Infof("  - Befriend failed: %d", stats.befriendFailed.Load())
	}
	logrus.Infof("Average receipt time: %.2fms", receiptUs/1000)
	logrus.Infof("Average delivery time: %.2fms", deliveryUs/1000)
	if sent+failed > 0 {
		logrus.Infof("Success rate: %.1f%%", float64(sent)/float64(sent+failed)*100)
	}
}
