package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"gorent/errs"
	"gorent/session"
)

func main() {
	os.Exit(run())
}

func run() int {
	file := flag.String("f", "", "path to a .torrent file (reads stdin if unset)")
	flag.StringVar(file, "file", "", "alias for -f")
	output := flag.String("o", ".", "destination directory for downloaded files")
	flag.StringVar(output, "output", ".", "alias for -o")
	port := flag.Int("port", session.DefaultOptions().Port, "local listening port advertised to the tracker")
	maxPeers := flag.Int("max-peers", session.DefaultOptions().MaxPeers, "soft cap on simultaneous peer connections")
	pipelineDepth := flag.Int("pipeline-depth", session.DefaultOptions().PipelineDepth, "outstanding block requests per peer")
	idleTimeoutS := flag.Int("idle-timeout-s", session.DefaultOptions().IdleTimeoutS, "seconds of peer silence before disconnecting it")
	blockTimeoutS := flag.Int("block-timeout-s", session.DefaultOptions().BlockTimeoutS, "seconds before an unanswered block request is reassigned")
	peerIDPrefix := flag.String("peer-id-prefix", session.DefaultOptions().PeerIDPrefix, "8-byte Azureus-style client prefix")
	quiet := flag.Bool("quiet", false, "production logging (json, info level) instead of development console logging")
	flag.Parse()

	logger := newLogger(*quiet)
	defer logger.Sync()

	metainfoBytes, err := readTorrentInput(*file)
	if err != nil {
		logger.Errorw("reading torrent file", "error", err)
		return 2
	}

	opts := session.Options{
		Port:          *port,
		MaxPeers:      *maxPeers,
		PipelineDepth: *pipelineDepth,
		IdleTimeoutS:  *idleTimeoutS,
		BlockTimeoutS: *blockTimeoutS,
		PeerIDPrefix:  *peerIDPrefix,
	}

	sess, err := session.Open(metainfoBytes, *output, opts, logger)
	if err != nil {
		return exitCodeFor(err, logger)
	}
	defer sess.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stopProgress := reportProgress(sess)
	err = sess.RunUntilComplete(ctx)
	stopProgress()

	if err != nil {
		return exitCodeFor(err, logger)
	}
	verified, total, bytes := sess.Progress()
	fmt.Printf("done: %d/%d pieces, %s\n", verified, total, humanize.Bytes(uint64(bytes)))
	return 0
}

func newLogger(quiet bool) *zap.SugaredLogger {
	var l *zap.Logger
	var err error
	if quiet {
		l, err = zap.NewProduction()
	} else {
		l, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("building logger: %v", err)
	}
	return l.Sugar()
}

// readTorrentInput reads the named .torrent file, or stdin when path is
// empty and stdin isn't a terminal.
func readTorrentInput(path string) ([]byte, error) {
	if path != "" {
		return os.ReadFile(path)
	}
	stat, err := os.Stdin.Stat()
	if err != nil {
		return nil, err
	}
	if stat.Mode()&os.ModeCharDevice != 0 {
		return nil, fmt.Errorf("no -f/-file given and stdin is a terminal")
	}
	return io.ReadAll(os.Stdin)
}

// reportProgress prints a progress line every second until the returned
// func is called.
func reportProgress(sess *session.Session) func() {
	ticker := time.NewTicker(1 * time.Second)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				verified, total, bytes := sess.Progress()
				fmt.Printf("\r%d/%d pieces (%s)", verified, total, humanize.Bytes(uint64(bytes)))
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}

// exitCodeFor maps a returned error to the §6 exit-code table. Errors that
// cross a package boundary may arrive wrapped (e.g. metainfo.Parse wraps a
// *errs.BencodeError with errors.Wrap), so the kind is recovered with
// errors.As rather than a bare type switch, which would only ever match an
// unwrapped top-level error.
func exitCodeFor(err error, logger *zap.SugaredLogger) int {
	var bencodeErr *errs.BencodeError
	var metainfoErr *errs.MetainfoInvalid
	var trackerFailure *errs.TrackerFailure
	var trackerNetwork *errs.TrackerNetwork
	var storageErr *errs.StorageIO
	var peerIOErr *errs.PeerIO
	var interruptedErr *errs.Interrupted

	switch {
	case errors.As(err, &bencodeErr), errors.As(err, &metainfoErr):
		logger.Errorw("metainfo error", "error", err)
		return 2
	case errors.As(err, &trackerFailure), errors.As(err, &trackerNetwork):
		logger.Errorw("tracker error", "error", err)
		return 3
	case errors.As(err, &storageErr), errors.As(err, &peerIOErr):
		logger.Errorw("io error", "error", err)
		return 4
	case errors.As(err, &interruptedErr):
		logger.Infow("interrupted")
		return 5
	default:
		logger.Errorw("fatal error", "error", err)
		return 1
	}
}
