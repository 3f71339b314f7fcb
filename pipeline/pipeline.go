// Package pipeline holds the output side of a run: the filter engine,
// the deduplicator, and the buffered writer pipeline behind them.
package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cresus-ui/amazon-KDP-scraper/config"
	"github.com/cresus-ui/amazon-KDP-scraper/models"
)

// ErrPipelineClosed is returned when Offer is called after shutdown.
var ErrPipelineClosed = errors.New("pipeline: closed")

// Outcome reports what happened to an offered record.
type Outcome int

const (
	// Accepted means the record passed filter and dedup and was handed
	// to the writer.
	Accepted Outcome = iota
	// Filtered means the record failed a configured predicate.
	Filtered
	// Duplicate means the record's canonical URL was already accepted.
	Duplicate
	// Invalid means the record had no URL and cannot be processed.
	Invalid
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Filtered:
		return "filtered"
	case Duplicate:
		return "duplicate"
	default:
		return "invalid"
	}
}

// OutputWriter defines the interface for data output.
type OutputWriter interface {
	Write(books []*models.Book) error
	Close() error
	Validate() error
}

// Pipeline applies filtering and deduplication to candidate records and
// streams accepted ones to the writer. Filter, dedup and stats updates
// happen synchronously inside Offer so the caller can count accepted
// records; only the write itself is buffered. A single writer goroutine
// preserves the order records were offered in.
type Pipeline struct {
	writer OutputWriter
	filter *Filter
	dedup  *Deduplicator
	stats  *models.RunStats

	bookCh    chan *models.Book
	batchSize int

	wg sync.WaitGroup

	mu     sync.Mutex // guards closed/err
	closed bool
	err    error

	closeOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewPipeline builds a pipeline over the given writer.
func NewPipeline(writer OutputWriter, cfg *config.Config, stats *models.RunStats) *Pipeline {
	if stats == nil {
		stats = &models.RunStats{}
	}
	p := &Pipeline{
		writer:    writer,
		filter:    NewFilter(cfg),
		dedup:     NewDeduplicator(),
		stats:     stats,
		bookCh:    make(chan *models.Book, cfg.PipelineBufferSize),
		batchSize: cfg.BatchSize,
		shutdown:  make(chan struct{}),
	}
	p.wg.Add(1)
	go p.writerLoop()
	return p
}

// Offer runs a candidate record through filter and dedup, and hands
// accepted records to the writer. Filtering and deduplication are
// deterministic; replaying the same candidate sequence yields the same
// accepted set.
func (p *Pipeline) Offer(book *models.Book) (Outcome, error) {
	if book == nil || book.URL == "" {
		return Invalid, nil
	}

	closed, err := p.state()
	if err != nil {
		return Invalid, err
	}
	if closed {
		return Invalid, ErrPipelineClosed
	}

	if !p.filter.Match(book) {
		return Filtered, nil
	}
	if !p.dedup.Offer(book.URL) {
		p.stats.DuplicatesSkipped.Add(1)
		return Duplicate, nil
	}

	if err := p.enqueue(book); err != nil {
		return Invalid, err
	}
	// Counts records handed to the writer, not records confirmed on
	// disk. Caps are enforced here, so a writer failure after this
	// point can leave the counter above what reached the sink.
	p.stats.RecordsEmitted.Add(1)
	return Accepted, nil
}

// Close waits for the writer to drain and prevents more submissions.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.closeOnce.Do(func() {
		close(p.bookCh)
	})

	p.wg.Wait()
	p.signalShutdown()
	return p.Err()
}

// Err returns the first error encountered during writing.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Dedup exposes the run's deduplicator for components that need the
// canonical-URL view, such as the detail-page cache.
func (p *Pipeline) Dedup() *Deduplicator {
	return p.dedup
}

func (p *Pipeline) writerLoop() {
	defer p.wg.Done()

	batch := make([]*models.Book, 0, p.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.writer.Write(batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for book := range p.bookCh {
		batch = append(batch, book)
		if len(batch) >= p.batchSize {
			if err := flush(); err != nil {
				p.setErr(fmt.Errorf("write batch: %w", err))
				return
			}
		}
	}

	if err := flush(); err != nil {
		p.setErr(fmt.Errorf("write batch: %w", err))
	}
}

func (p *Pipeline) enqueue(book *models.Book) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrPipelineClosed
		}
	}()

	select {
	case <-p.shutdown:
		return ErrPipelineClosed
	case p.bookCh <- book:
		return nil
	}
}

func (p *Pipeline) setErr(err error) {
	if err == nil {
		return
	}

	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.closed = true
	p.mu.Unlock()

	p.signalShutdown()
}

func (p *Pipeline) state() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed, p.err
}

func (p *Pipeline) signalShutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})
}
