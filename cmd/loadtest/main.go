package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/roomchat/pkg/client"
	"github.com/aeolun/roomchat/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(strings.ToLower(strings.NewReplacer(",", "", ".", "").Replace(loremIpsum)))

// span records the first and last time something happened across bots
type span struct {
	mu          sync.Mutex
	first, last time.Time
}

func (sp *span) mark(t time.Time) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.first.IsZero() {
		sp.first = t
	}
	sp.last = t
}

func (sp *span) bounds() (first, last time.Time, ok bool) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.first, sp.last, !sp.first.IsZero()
}

// generateUsername glues fragments of two lorem words to the bot id, which
// keeps names unique when the server enforces that
func generateUsername(id int) string {
	fragment := func(word string) string {
		if len(word) > 4 {
			return word[:3+rand.Intn(2)]
		}
		return word
	}
	word1 := loremWords[rand.Intn(len(loremWords))]
	word2 := loremWords[rand.Intn(len(loremWords))]
	return fmt.Sprintf("%s%s%d", fragment(word1), fragment(word2), id)
}

func randomSentence() string {
	n := 3 + rand.Intn(12)
	words := make([]string, n)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

// Stats tracks performance metrics
type Stats struct {
	messagesPosted    atomic.Int64
	messagesFailed    atomic.Int64
	directMessages    atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64
	successfulClients atomic.Int64 // clients that successfully connected and started running

	// Detailed failure tracking
	postFailures   atomic.Int64
	timeouts       atomic.Int64
	disconnections atomic.Int64

	// Connect phase failure breakdown
	connectDialFailed   atomic.Int64
	connectNameRejected atomic.Int64
	setupRoomFailed     atomic.Int64

	connects    span
	disconnects span
}

func (s *Stats) recordSuccess(responseTimeUs int64) {
	s.messagesPosted.Add(1)
	s.totalResponseTime.Add(responseTimeUs)
}

func (s *Stats) recordPostFailure() {
	s.messagesFailed.Add(1)
	s.postFailures.Add(1)
}

func (s *Stats) recordTimeout() {
	s.messagesFailed.Add(1)
	s.timeouts.Add(1)
}

func (s *Stats) recordConnectionError() {
	s.connectionErrors.Add(1)
}

func (s *Stats) recordDisconnection() {
	s.messagesFailed.Add(1)
	s.disconnections.Add(1)
}

func (s *Stats) snapshot() (posted, failed, connErrors int64, avgResponseUs float64) {
	posted = s.messagesPosted.Load()
	failed = s.messagesFailed.Load()
	connErrors = s.connectionErrors.Load()

	if posted > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(posted)
	}

	return
}

// BotClient represents a fake client for load testing
type BotClient struct {
	id       int
	nickname string
	conn     *client.LoadTestConnection
	stats    *Stats
	room     string
	peers    []string // Names from the latest presence listing
}

func NewBotClient(id int, serverAddr string, stats *Stats) *BotClient {
	return &BotClient{
		id:       id,
		nickname: generateUsername(id),
		conn:     client.NewLoadTestConnection(serverAddr),
		stats:    stats,
	}
}

func (bc *BotClient) Connect() error {
	if err := bc.conn.Connect(bc.nickname, 5*time.Second); err != nil {
		if _, ok := err.(*client.ServerError); ok {
			bc.stats.connectNameRejected.Add(1)
		} else {
			bc.stats.connectDialFailed.Add(1)
		}
		return fmt.Errorf("connect as %s: %w", bc.nickname, err)
	}
	if debugLogger != nil {
		debugLogger.Printf("[Bot %d] connected as %s", bc.id, bc.nickname)
	}
	return nil
}

// Setup creates the room this bot posts into
func (bc *BotClient) Setup() error {
	if err := bc.conn.Send(protocol.Command{Kind: protocol.CmdCreateRoom}.Payload()); err != nil {
		bc.stats.setupRoomFailed.Add(1)
		return err
	}
	reply, err := bc.conn.ReceiveTag(protocol.TagCreateRoom, 5*time.Second)
	if err != nil {
		bc.stats.setupRoomFailed.Add(1)
		return fmt.Errorf("create room: %w", err)
	}
	bc.room = reply.Arg(0)
	return nil
}

// PostRandomMessage posts into the bot's own room and times the echo
func (bc *BotClient) PostRandomMessage() error {
	start := time.Now()
	cmd := protocol.Command{Kind: protocol.CmdRoomMessage, Room: bc.room, Body: randomSentence()}
	if err := bc.conn.Send(cmd.Payload()); err != nil {
		bc.stats.recordDisconnection()
		return err
	}

	for {
		reply, err := bc.conn.ReceiveTag(protocol.TagRoomMessage, 10*time.Second)
		if err != nil {
			if strings.Contains(err.Error(), "timed out") {
				bc.stats.recordTimeout()
			} else {
				bc.stats.recordPostFailure()
			}
			return err
		}
		if reply.Arg(0) == bc.room {
			bc.stats.recordSuccess(time.Since(start).Microseconds())
			return nil
		}
	}
}

// RefreshPeers asks for the presence listing and DMs a random peer from it
func (bc *BotClient) RefreshPeers() error {
	if err := bc.conn.Send(protocol.Command{Kind: protocol.CmdClientList}.Payload()); err != nil {
		return err
	}
	listing, err := bc.conn.ReceiveTag(protocol.TagClientList, 5*time.Second)
	if err != nil {
		return err
	}

	bc.peers = bc.peers[:0]
	for _, entry := range listing.Args() {
		if strings.HasSuffix(entry, "(me)") {
			continue
		}
		if i := strings.Index(entry, " ("); i > 0 {
			bc.peers = append(bc.peers, entry[:i])
		}
	}
	if len(bc.peers) == 0 {
		return nil
	}

	target := bc.peers[rand.Intn(len(bc.peers))]
	dm := protocol.Command{Kind: protocol.CmdMessage, Target: target, Body: randomSentence()}
	if err := bc.conn.Send(dm.Payload()); err != nil {
		return err
	}
	bc.stats.directMessages.Add(1)
	return nil
}

func (bc *BotClient) end() {
	bc.conn.Send(protocol.Command{Kind: protocol.CmdEnd}.Payload())
	// Give server time to process END before closing connection
	time.Sleep(100 * time.Millisecond)
	bc.conn.Close()
}

func (bc *BotClient) Run(duration time.Duration, minDelay, maxDelay time.Duration, shutdownDelay time.Duration) {
	defer func() {
		bc.end()
		bc.stats.disconnects.mark(time.Now())
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Bot %d] PANIC: %v", bc.id, r)
		}
	}()

	endTime := time.Now().Add(duration)
	iteration := 0

	for time.Now().Before(endTime) {
		iteration++

		if err := bc.PostRandomMessage(); err != nil && debugLogger != nil {
			debugLogger.Printf("[Bot %d] post failed: %v", bc.id, err)
		}

		// Every third iteration also exercises presence and direct messages
		if iteration%3 == 0 {
			if err := bc.RefreshPeers(); err != nil && debugLogger != nil {
				debugLogger.Printf("[Bot %d] presence refresh failed: %v", bc.id, err)
			}
		}

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		time.Sleep(delay)
	}

	// Stagger shutdown to avoid thundering herd on disconnect
	if shutdownDelay > 0 {
		time.Sleep(shutdownDelay)
	}
}

var debugLogger *log.Logger

func initLogging() error {
	// Truncate on each run to avoid confusion
	logFile, err := os.OpenFile("loadtest.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest.log: %w", err)
	}

	debugLogFile, err := os.OpenFile("loadtest_debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest_debug.log: %w", err)
	}

	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.SetFlags(log.LstdFlags)

	debugLogger = log.New(debugLogFile, "", log.LstdFlags|log.Lmicroseconds)

	return nil
}

func main() {
	serverAddr := flag.String("server", "localhost:12345", "Server address (host:port)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between posts")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between posts")
	flag.Parse()

	if *numClients <= 0 {
		fmt.Fprintln(os.Stderr, "-clients must be positive")
		os.Exit(1)
	}

	if err := initLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	log.Printf("Load test logs will be written to loadtest.log")
	log.Printf("Detailed bot communication logs in loadtest_debug.log")

	// Ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < 1*time.Millisecond {
		staggerDelay = 1 * time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Clients: %d", *numClients)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)
	log.Printf("")

	stats := &Stats{}
	var wg sync.WaitGroup

	stopStats := make(chan struct{})
	var stopOnce sync.Once
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				posted, failed, connErrors, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				rate := float64(posted) / elapsed
				avgMs := avgUs / 1000.0

				log.Printf("Stats: %d posted (%.1f/s), %d DMs, %d failed, %d conn errors, avg %.2fms, goroutines %d",
					posted, rate, stats.directMessages.Load(), failed, connErrors, avgMs, runtime.NumGoroutine())
			case <-stopStats:
				return
			}
		}
	}()

	rampUpStart := time.Now()

	for i := 0; i < *numClients; i++ {
		wg.Add(1)

		// Reverse order for ramp-down
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)

		go func(id int, shutdownDelay time.Duration) {
			defer wg.Done()

			bot := NewBotClient(id, *serverAddr, stats)

			if err := bot.Connect(); err != nil {
				stats.recordConnectionError()
				debugLogger.Printf("[Bot %d] %v", id, err)
				bot.conn.Close()
				return
			}

			if err := bot.Setup(); err != nil {
				stats.recordConnectionError()
				debugLogger.Printf("[Bot %d] setup: %v", id, err)
				bot.end()
				return
			}

			stats.successfulClients.Add(1)
			stats.connects.mark(time.Now())

			// Only log every 100th client during ramp-up
			if id%100 == 0 {
				log.Printf("[Bot %d] Connected as %s, posting to %q", id, bot.nickname, bot.room)
			}

			bot.Run(*duration, *minDelay, *maxDelay, shutdownDelay)
		}(i, shutdownDelay)

		time.Sleep(staggerDelay)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Printf("\nShutdown signal received, stopping stats reporter...")
		stopOnce.Do(func() { close(stopStats) })
	}()

	wg.Wait()
	stopOnce.Do(func() { close(stopStats) })

	if first, last, ok := stats.connects.bounds(); ok {
		log.Printf("\nRamp-up: planned %v, took %v (last bot up %v after start)",
			rampUpDuration.Round(time.Second), last.Sub(first).Round(time.Second),
			last.Sub(rampUpStart).Round(time.Millisecond))
	}
	if first, last, ok := stats.disconnects.bounds(); ok {
		log.Printf("Ramp-down took %v", last.Sub(first).Round(time.Second))
	}

	posted, failed, connErrors, avgUs := stats.snapshot()
	successfulClients := stats.successfulClients.Load()
	rate := float64(posted) / duration.Seconds()

	avgDelay := (*minDelay + *maxDelay) / 2
	expectedPerClient := float64(*duration) / float64(avgDelay)
	expectedTotal := expectedPerClient * float64(successfulClients)
	efficiency := 0.0
	if expectedTotal > 0 {
		efficiency = float64(posted) / expectedTotal * 100
	}

	log.Printf("\n=== Final Results ===")
	log.Printf("Clients: %d attempted, %d successful (%.1f%%)", *numClients, successfulClients, float64(successfulClients)/float64(*numClients)*100)
	log.Printf("Duration: %v", *duration)
	log.Printf("Room messages posted: %d (%.1f/s)", posted, rate)
	log.Printf("Direct messages sent: %d", stats.directMessages.Load())
	log.Printf("Messages failed: %d", failed)
	log.Printf("  - Post failures: %d", stats.postFailures.Load())
	log.Printf("  - Timeouts: %d", stats.timeouts.Load())
	log.Printf("  - Disconnections: %d", stats.disconnections.Load())
	log.Printf("Connection errors: %d", connErrors)
	if connErrors > 0 {
		log.Printf("  - Dial failed: %d", stats.connectDialFailed.Load())
		log.Printf("  - Name rejected: %d", stats.connectNameRejected.Load())
		log.Printf("  - Room setup failed: %d", stats.setupRoomFailed.Load())
	}
	log.Printf("Average response time: %.2fms", avgUs/1000.0)
	log.Printf("Expected throughput: %.0f messages (%.1f per client)", expectedTotal, expectedPerClient)
	log.Printf("Actual vs expected: %.1f%% efficiency", efficiency)

	if posted > 0 {
		successRate := float64(posted) / float64(posted+failed) * 100
		log.Printf("Success rate: %.1f%%", successRate)
	}
}
