package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/couple-budget/internal/pipeline"
	"github.com/zombor/couple-budget/internal/recognition"
)

// memStore round-trips entries through JSON like a real store would
type memStore struct {
	data    []byte
	loadErr error
	saveErr error
	saves   int
}

func (m *memStore) Load(ctx context.Context) ([]*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	entries := make([]*Entry, 0)
	if m.data != nil {
		if err := json.Unmarshal(m.data, &entries); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func (m *memStore) Save(ctx context.Context, entries []*Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.saveErr != nil {
		return m.saveErr
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	m.data = data
	m.saves++
	return nil
}

func (m *memStore) entries() []*Entry {
	entries, _ := m.Load(context.Background())
	return entries
}

// mockProcessor is a mock implementation of Processor
type mockProcessor struct {
	mu      sync.Mutex
	calls   []Submission
	errs    []error
	process func(ctx context.Context, sub Submission) error
}

func (m *mockProcessor) Process(ctx context.Context, sub Submission) (*pipeline.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, sub)
	var err error
	if len(m.errs) > 0 {
		err = m.errs[0]
		m.errs = m.errs[1:]
	}
	process := m.process
	m.mu.Unlock()

	if process != nil {
		err = process(ctx, sub)
	}
	if err != nil {
		return nil, err
	}
	return &pipeline.Result{Recognition: recognition.Result{Outcome: recognition.OutcomeSuccess, Success: true}}, nil
}

// mockConnectivity is a mock implementation of Connectivity
type mockConnectivity struct {
	online bool
}

func (m *mockConnectivity) Online() bool {
	return m.online
}

// mockIDGenerator hands out sequential IDs
type mockIDGenerator struct {
	mu   sync.Mutex
	next int
}

func (m *mockIDGenerator) Generate() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	return fmt.Sprintf("entry-%d", m.next)
}

// mockTimeSource is a mock implementation of TimeSource
type mockTimeSource struct {
	now time.Time
}

func (m *mockTimeSource) Now() time.Time {
	return m.now
}

func (m *mockTimeSource) advance(d time.Duration) {
	m.now = m.now.Add(d)
}

func transient() error {
	return &recognition.ServiceError{Code: recognition.CodeUnavailable, Attempts: 3, Err: errors.New("service unavailable")}
}

func permanent() error {
	return &recognition.ServiceError{Code: recognition.CodeInvalidArgument, Err: errors.New("bad image")}
}

var _ = Describe("Queue", func() {
	var (
		store        *memStore
		processor    *mockProcessor
		connectivity *mockConnectivity
		clock        *mockTimeSource
		sleeps       []time.Duration
		config       Config
		q            *Queue
		ctx          context.Context
		sub          Submission
	)

	BeforeEach(func() {
		store = &memStore{}
		processor = &mockProcessor{}
		connectivity = &mockConnectivity{online: true}
		clock = &mockTimeSource{now: time.Date(2025, 11, 19, 12, 0, 0, 0, time.UTC)}
		sleeps = nil
		config = Config{MaxRetries: 3, MaxAge: 7 * 24 * time.Hour, BackoffBase: time.Minute}
		ctx = context.Background()
		sub = Submission{ImageRef: "receipts/a.jpg", CoupleID: "couple-1", UserID: "user-1"}
	})

	JustBeforeEach(func() {
		sleep := func(ctx context.Context, d time.Duration) error {
			sleeps = append(sleeps, d)
			return ctx.Err()
		}
		q = NewQueueWithDeps(store, processor, connectivity, config, &mockIDGenerator{}, clock, sleep)
	})

	enqueueOffline := func(s Submission) *Entry {
		connectivity.online = false
		res, err := q.Submit(ctx, s)
		Expect(err).NotTo(HaveOccurred())
		connectivity.online = true
		return res.Entry
	}

	Describe("Submit", func() {
		When("online", func() {
			It("should process the submission immediately", func() {
				res, err := q.Submit(ctx, sub)
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Uploaded).To(BeTrue())
				Expect(res.Result.Recognition.Success).To(BeTrue())
				Expect(processor.calls).To(HaveLen(1))
				Expect(processor.calls[0].Priority).To(Equal(PriorityMedium))
				Expect(store.entries()).To(BeEmpty())
			})

			It("should queue the submission on a transient failure", func() {
				processor.errs = []error{transient()}
				res, err := q.Submit(ctx, sub)
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Uploaded).To(BeFalse())
				Expect(res.Entry.Status).To(Equal(StatusPending))
				Expect(store.entries()).To(HaveLen(1))
			})

			It("should return a permanent failure without queueing", func() {
				processor.errs = []error{permanent()}
				_, err := q.Submit(ctx, sub)
				Expect(err).To(HaveOccurred())
				Expect(recognition.IsTransient(err)).To(BeFalse())
				Expect(store.entries()).To(BeEmpty())
			})
		})

		When("offline", func() {
			BeforeEach(func() {
				connectivity.online = false
			})

			It("should persist a pending entry without processing", func() {
				res, err := q.Submit(ctx, sub)
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Uploaded).To(BeFalse())
				Expect(processor.calls).To(BeEmpty())

				entries := store.entries()
				Expect(entries).To(HaveLen(1))
				Expect(entries[0].ID).To(Equal("entry-1"))
				Expect(entries[0].Status).To(Equal(StatusPending))
				Expect(entries[0].Priority).To(Equal(PriorityMedium))
				Expect(entries[0].RetryCount).To(BeZero())
				Expect(entries[0].CreatedAt).To(BeTemporally("==", clock.now))
			})

			It("should not lose entries when submissions race", func() {
				var wg sync.WaitGroup
				for i := 0; i < 50; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						defer GinkgoRecover()
						_, err := q.Submit(ctx, sub)
						Expect(err).NotTo(HaveOccurred())
					}()
				}
				wg.Wait()
				Expect(store.entries()).To(HaveLen(50))
			})

			It("should surface store failures", func() {
				store.saveErr = errors.New("disk full")
				_, err := q.Submit(ctx, sub)
				Expect(err).To(MatchError(ContainSubstring("disk full")))
			})
		})

		DescribeTable("validation",
			func(s Submission) {
				_, err := q.Submit(ctx, s)
				Expect(IsInvalid(err)).To(BeTrue())
				Expect(processor.calls).To(BeEmpty())
			},
			Entry("missing image", Submission{CoupleID: "c", UserID: "u"}),
			Entry("missing couple", Submission{ImageRef: "x", UserID: "u"}),
			Entry("missing user", Submission{ImageRef: "x", CoupleID: "c"}),
			Entry("unknown priority", Submission{ImageRef: "x", CoupleID: "c", UserID: "u", Priority: "urgent"}),
		)
	})

	Describe("Drain", func() {
		It("should refuse to drain while offline", func() {
			enqueueOffline(sub)
			connectivity.online = false
			_, err := q.Drain(ctx)
			Expect(err).To(MatchError(ErrOffline))
		})

		It("should process by priority and then age", func() {
			low := sub
			low.ImageRef, low.Priority = "low", PriorityLow
			enqueueOffline(low)
			clock.advance(time.Second)
			first := sub
			first.ImageRef = "medium-old"
			enqueueOffline(first)
			clock.advance(time.Second)
			high := sub
			high.ImageRef, high.Priority = "high", PriorityHigh
			enqueueOffline(high)
			clock.advance(time.Second)
			second := sub
			second.ImageRef = "medium-new"
			enqueueOffline(second)

			result, err := q.Drain(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(DrainResult{Processed: 4, Successful: 4}))

			var order []string
			for _, c := range processor.calls {
				order = append(order, c.ImageRef)
			}
			Expect(order).To(Equal([]string{"high", "medium-old", "medium-new", "low"}))
			Expect(store.entries()).To(BeEmpty())
		})

		It("should record transient failures for a later retry", func() {
			enqueueOffline(sub)
			processor.errs = []error{transient()}

			result, err := q.Drain(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(DrainResult{Processed: 1, Failed: 1}))

			entries := store.entries()
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].Status).To(Equal(StatusFailed))
			Expect(entries[0].RetryCount).To(Equal(1))
			Expect(entries[0].LastError).To(ContainSubstring("service unavailable"))
			Expect(*entries[0].LastAttemptAt).To(BeTemporally("==", clock.now))
		})

		It("should exhaust retries at once on a permanent failure", func() {
			enqueueOffline(sub)
			processor.errs = []error{permanent()}

			_, err := q.Drain(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(store.entries()[0].RetryCount).To(Equal(config.MaxRetries))
		})

		It("should wait for the backoff before retrying a failed entry", func() {
			enqueueOffline(sub)
			processor.errs = []error{transient()}
			_, err := q.Drain(ctx)
			Expect(err).NotTo(HaveOccurred())

			clock.advance(30 * time.Second)
			result, err := q.Drain(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Processed).To(BeZero())

			clock.advance(30 * time.Second)
			result, err = q.Drain(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(DrainResult{Processed: 1, Successful: 1}))
			Expect(store.entries()).To(BeEmpty())
		})

		It("should never exceed the maximum retry count", func() {
			enqueueOffline(sub)
			processor.process = func(ctx context.Context, sub Submission) error {
				return transient()
			}

			for i := 0; i < 6; i++ {
				_, err := q.Drain(ctx)
				Expect(err).NotTo(HaveOccurred())
				clock.advance(time.Hour)
			}

			Expect(processor.calls).To(HaveLen(config.MaxRetries))
			entries := store.entries()
			Expect(entries[0].RetryCount).To(Equal(config.MaxRetries))
			Expect(entries[0].Status).To(Equal(StatusFailed))
		})

		When("the drain is cancelled just as an attempt succeeds", func() {
			It("should still remove the completed entry", func() {
				enqueueOffline(sub)
				cancelCtx, cancel := context.WithCancel(ctx)
				processor.process = func(ctx context.Context, sub Submission) error {
					cancel()
					return nil
				}

				_, _ = q.Drain(cancelCtx)
				Expect(processor.calls).To(HaveLen(1))
				Expect(store.entries()).To(BeEmpty())
			})
		})

		When("the drain is cancelled mid attempt", func() {
			It("should leave the entry uploading and reconcile it on the next drain", func() {
				enqueueOffline(sub)
				cancelCtx, cancel := context.WithCancel(ctx)
				processor.process = func(ctx context.Context, sub Submission) error {
					cancel()
					return ctx.Err()
				}

				_, err := q.Drain(cancelCtx)
				Expect(err).To(MatchError(context.Canceled))
				Expect(store.entries()[0].Status).To(Equal(StatusUploading))

				processor.process = nil
				result, err := q.Drain(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(result).To(Equal(DrainResult{Processed: 1, Successful: 1}))
				Expect(store.entries()).To(BeEmpty())
			})
		})
	})

	Describe("Maintain", func() {
		It("should purge expired entries and reconcile stale uploads", func() {
			old := enqueueOffline(sub)
			clock.advance(8 * 24 * time.Hour)
			stale := enqueueOffline(sub)

			store.data, _ = json.Marshal([]*Entry{
				{ID: old.ID, Status: StatusPending, Priority: PriorityMedium, CreatedAt: old.CreatedAt},
				{ID: stale.ID, Status: StatusUploading, Priority: PriorityMedium, CreatedAt: stale.CreatedAt},
			})

			result, err := q.Maintain(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(MaintenanceResult{Purged: 1, Reconciled: 1}))

			entries := store.entries()
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].ID).To(Equal(stale.ID))
			Expect(entries[0].Status).To(Equal(StatusFailed))
			Expect(entries[0].RetryCount).To(BeZero())
		})
	})

	Describe("RetryFailedUploads", func() {
		It("should retry only failed entries with attempts left, waiting the backoff", func() {
			enqueueOffline(sub)
			last := clock.now
			store.data, _ = json.Marshal([]*Entry{
				{ID: "pending", ImageRef: "p", Status: StatusPending, Priority: PriorityMedium, CreatedAt: clock.now},
				{ID: "once", ImageRef: "once", Status: StatusFailed, RetryCount: 1, Priority: PriorityMedium, CreatedAt: clock.now, LastAttemptAt: &last},
				{ID: "twice", ImageRef: "twice", Status: StatusFailed, RetryCount: 2, Priority: PriorityHigh, CreatedAt: clock.now, LastAttemptAt: &last},
				{ID: "done", ImageRef: "done", Status: StatusFailed, RetryCount: 3, Priority: PriorityMedium, CreatedAt: clock.now, LastAttemptAt: &last},
			})

			result, err := q.RetryFailedUploads(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(DrainResult{Processed: 2, Successful: 2}))
			Expect(sleeps).To(Equal([]time.Duration{2 * time.Minute, time.Minute}))

			var ids []string
			for _, e := range store.entries() {
				ids = append(ids, e.ID)
			}
			Expect(ids).To(ConsistOf("pending", "done"))
		})

		It("should wait only for what remains of the backoff", func() {
			last := clock.now
			store.data, _ = json.Marshal([]*Entry{
				{ID: "twice", ImageRef: "twice", Status: StatusFailed, RetryCount: 2, Priority: PriorityMedium, CreatedAt: clock.now, LastAttemptAt: &last},
			})
			clock.advance(90 * time.Second)

			result, err := q.RetryFailedUploads(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(DrainResult{Processed: 1, Successful: 1}))
			Expect(sleeps).To(Equal([]time.Duration{30 * time.Second}))
		})

		It("should not wait when the backoff has already elapsed", func() {
			last := clock.now
			store.data, _ = json.Marshal([]*Entry{
				{ID: "once", ImageRef: "once", Status: StatusFailed, RetryCount: 1, Priority: PriorityMedium, CreatedAt: clock.now, LastAttemptAt: &last},
			})
			clock.advance(time.Hour)

			result, err := q.RetryFailedUploads(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(DrainResult{Processed: 1, Successful: 1}))
			Expect(sleeps).To(BeEmpty())
		})

		It("should refuse to run while offline", func() {
			store.data, _ = json.Marshal([]*Entry{
				{ID: "once", ImageRef: "once", Status: StatusFailed, RetryCount: 1, Priority: PriorityMedium, CreatedAt: clock.now},
			})
			connectivity.online = false

			_, err := q.RetryFailedUploads(ctx)
			Expect(err).To(MatchError(ErrOffline))
			Expect(processor.calls).To(BeEmpty())
			Expect(sleeps).To(BeEmpty())
			Expect(store.entries()[0].RetryCount).To(Equal(1))
		})

		It("should stop when the context is cancelled during the backoff", func() {
			last := clock.now
			store.data, _ = json.Marshal([]*Entry{
				{ID: "once", ImageRef: "once", Status: StatusFailed, RetryCount: 1, Priority: PriorityMedium, CreatedAt: clock.now, LastAttemptAt: &last},
			})
			cancelCtx, cancel := context.WithCancel(ctx)
			cancel()

			_, err := q.RetryFailedUploads(cancelCtx)
			Expect(err).To(MatchError(context.Canceled))
			Expect(processor.calls).To(BeEmpty())
		})
	})

	Describe("List, Remove and Stats", func() {
		It("should remove an entry by id", func() {
			entry := enqueueOffline(sub)
			Expect(q.Remove(ctx, entry.ID)).To(Succeed())
			entries, err := q.List(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(BeEmpty())
		})

		It("should report unknown ids", func() {
			err := q.Remove(ctx, "nope")
			Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
		})

		It("should count entries by status", func() {
			store.data, _ = json.Marshal([]*Entry{
				{ID: "a", Status: StatusPending, CreatedAt: clock.now},
				{ID: "b", Status: StatusFailed, RetryCount: 1, CreatedAt: clock.now},
				{ID: "c", Status: StatusFailed, RetryCount: 3, CreatedAt: clock.now},
				{ID: "d", Status: StatusUploading, CreatedAt: clock.now},
			})
			stats, err := q.Stats(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats).To(Equal(Stats{Total: 4, Pending: 1, Uploading: 1, Failed: 2, Exhausted: 1}))
		})
	})
})

var _ = Describe("Config", func() {
	It("should double the backoff with each retry", func() {
		c := Config{BackoffBase: time.Second}
		Expect(c.Backoff(0)).To(BeZero())
		Expect(c.Backoff(1)).To(Equal(time.Second))
		Expect(c.Backoff(2)).To(Equal(2 * time.Second))
		Expect(c.Backoff(3)).To(Equal(4 * time.Second))
	})
})
