package jobs

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/UniQw/uniqw-jobs/bus"
	"github.com/UniQw/uniqw-jobs/execctx"
	"github.com/UniQw/uniqw-jobs/until"
)

// Report is a progress notification. ValueMin and ValueMax are sent
// together or not at all, and only the first pair reported for a job sticks.
type Report struct {
	Status   bus.Status
	Message  string
	Progress *int64
	ValueMin *int64
	ValueMax *int64
}

// ReportProgress notifies whoever polls the running job. Outside a job it
// does nothing.
func ReportProgress(ctx context.Context, r Report) error {
	f := execctx.Current(ctx)
	n := notifierFrom(ctx)
	if f == nil || n == nil || f.Job.UUID == "" {
		return nil
	}
	return n.Progress(ctx, f.Env.DB(), f.Job.UUID, r)
}

func reportQuietly(ctx context.Context, r Report) {
	if err := ReportProgress(ctx, r); err != nil {
		if n := notifierFrom(ctx); n != nil {
			n.log.Warnf("progress report dropped: err=%v", err)
		}
	}
}

// ReportRate decides when an iteration reports. Tick is called once per
// item; with ticks the count since the last report and elapsed the time
// since it:
//
//	                             ticks < min | min <= ticks < max | max <= ticks
//	elapsed < MinWait                no      |        no          |     no
//	MinWait <= elapsed < MaxWait     no      |        no          |     yes
//	MaxWait <= elapsed               no      |        yes         |     yes
//
// The first report happens after MinRate ticks. MaxRate zero means unset.
type ReportRate struct {
	MinRate int
	MaxRate int
	MinWait time.Duration
	MaxWait time.Duration

	ticks    int
	last     int
	lastAt   time.Time
	reported bool
	now      func() time.Time
}

// Every reports once per n items.
func Every(n int) *ReportRate { return &ReportRate{MinRate: n} }

func (r *ReportRate) minRate() int {
	if r.MinRate <= 0 {
		return 1
	}
	return r.MinRate
}

// Tick counts one item and reports whether a report is due.
func (r *ReportRate) Tick() bool {
	r.ticks++
	now := time.Now()
	if r.now != nil {
		now = r.now()
	}
	var due bool
	if !r.reported {
		due = r.ticks >= r.minRate()
	} else {
		since := r.ticks - r.last
		elapsed := now.Sub(r.lastAt)
		switch {
		case r.MinWait <= elapsed && elapsed < r.MaxWait:
			due = r.MaxRate <= 0 || since >= r.MaxRate
		case r.MaxWait <= elapsed:
			due = since >= r.minRate()
		}
	}
	if due {
		r.reported = true
		r.last = r.ticks
		r.lastAt = now
	}
	return due
}

// DefaultProgressMessage is the template used when ReportOptions.Message is
// empty.
const DefaultProgressMessage = "Progress: {progress}"

// ReportOptions configures IterAndReport.
type ReportOptions struct {
	// Start is the progress of the first item and the reported minimum.
	Start int64
	// ValueMax is the reported maximum. Reporting is off unless positive.
	ValueMax int64
	// Rate paces reports; nil reports every item.
	Rate *ReportRate
	// Message may use {progress} and {valuemax}.
	Message string
}

// ProgressIter yields the items of its source while reporting progress.
type ProgressIter[T any] struct {
	src      until.Iterator[T]
	opts     ReportOptions
	tmpl     string
	count    int64
	finished bool
}

// IterAndReport wraps src so that consuming it reports progress for the
// running job. Once src is exhausted a final report with the progress of the
// last item is issued, unless ValueMax falls on a rate boundary.
func IterAndReport[T any](src until.Iterator[T], opts ReportOptions) *ProgressIter[T] {
	if opts.Rate == nil {
		opts.Rate = Every(1)
	}
	tmpl := opts.Message
	if tmpl == "" {
		tmpl = DefaultProgressMessage
	}
	return &ProgressIter[T]{src: src, opts: opts, tmpl: tmpl}
}

// SetMessage replaces the message template for the following reports.
func (p *ProgressIter[T]) SetMessage(tmpl string) {
	if tmpl != "" {
		p.tmpl = tmpl
	}
}

func (p *ProgressIter[T]) Next(ctx context.Context) (T, error) {
	v, err := p.src.Next(ctx)
	if errors.Is(err, until.Done) {
		if !p.finished {
			p.finished = true
			p.final(ctx)
		}
		return v, err
	}
	if err != nil {
		return v, err
	}
	progress := p.opts.Start + p.count
	p.count++
	if p.opts.ValueMax > 0 && p.opts.Rate.Tick() {
		reportQuietly(ctx, Report{
			Message:  p.format(progress),
			Progress: bus.Int64(progress),
			ValueMin: bus.Int64(p.opts.Start),
			ValueMax: bus.Int64(p.opts.ValueMax),
		})
	}
	return v, nil
}

func (p *ProgressIter[T]) final(ctx context.Context) {
	if p.opts.ValueMax <= 0 || p.count == 0 {
		return
	}
	if p.opts.ValueMax%int64(p.opts.Rate.minRate()) == 0 {
		return
	}
	reportQuietly(ctx, Report{Progress: bus.Int64(p.opts.Start + p.count - 1)})
}

func (p *ProgressIter[T]) format(progress int64) string {
	return strings.NewReplacer(
		"{progress}", strconv.FormatInt(progress, 10),
		"{valuemax}", strconv.FormatInt(p.opts.ValueMax, 10),
	).Replace(p.tmpl)
}

func (p *ProgressIter[T]) Close() error { return p.src.Close() }
