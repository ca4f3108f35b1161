// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package replay

import (
	"context"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danjacques/caltrace/frame"
	"github.com/danjacques/caltrace/tracefile"

	"github.com/pkg/errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// memSource feeds a fixed frame sequence, then io.EOF (or a configured
// error).
type memSource struct {
	frames []*frame.Frame
	next   int
	err    error
}

func (s *memSource) Next() (*frame.Frame, error) {
	if s.next >= len(s.frames) {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	f := s.frames[s.next]
	s.next++
	return f, nil
}

// memSink collects emitted frames, optionally failing after a fixed number
// of emissions.
type memSink struct {
	mu     sync.Mutex
	frames []*frame.Frame

	failAfter int
	err       error
}

func (s *memSink) Emit(f *frame.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil && len(s.frames) >= s.failAfter {
		return s.err
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *memSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func eventFrame(ts uint64) *frame.Frame {
	return &frame.Frame{Timestamp: ts, Category: frame.CategoryEvent, Payload: []byte("tick")}
}

var _ = Describe("Player", func() {
	It("replays with original timing at speed 1", func() {
		src := &memSource{frames: []*frame.Frame{
			eventFrame(0),
			eventFrame(uint64(100 * time.Millisecond)),
			eventFrame(uint64(300 * time.Millisecond)),
		}}
		sink := &memSink{}
		p := &Player{Sink: sink, Speed: 1}

		start := time.Now()
		emitted, err := p.Play(context.Background(), src)
		elapsed := time.Since(start)

		Expect(err).ToNot(HaveOccurred())
		Expect(emitted).To(Equal(3))
		Expect(sink.count()).To(Equal(3))

		// The last frame is 300ms into the capture; timers never fire early.
		Expect(elapsed).To(BeNumerically(">=", 290*time.Millisecond))
	})

	It("halves the waits at speed 2", func() {
		src := &memSource{frames: []*frame.Frame{
			eventFrame(0),
			eventFrame(uint64(200 * time.Millisecond)),
		}}
		sink := &memSink{}
		p := &Player{Sink: sink, Speed: 2}

		start := time.Now()
		emitted, err := p.Play(context.Background(), src)
		elapsed := time.Since(start)

		Expect(err).ToNot(HaveOccurred())
		Expect(emitted).To(Equal(2))
		Expect(elapsed).To(BeNumerically(">=", 95*time.Millisecond))
	})

	It("skips all waits when running as fast as possible", func() {
		// Ten seconds of capture time, replayed without waiting.
		src := &memSource{frames: []*frame.Frame{
			eventFrame(0),
			eventFrame(uint64(5 * time.Second)),
			eventFrame(uint64(10 * time.Second)),
		}}
		sink := &memSink{}
		p := &Player{Sink: sink, Speed: AsFastAsPossible}

		start := time.Now()
		emitted, err := p.Play(context.Background(), src)
		elapsed := time.Since(start)

		Expect(err).ToNot(HaveOccurred())
		Expect(emitted).To(Equal(3))
		Expect(elapsed).To(BeNumerically("<", 1*time.Second))
	})

	It("preserves frame order and payloads", func() {
		frames := make([]*frame.Frame, 50)
		for i := range frames {
			frames[i] = &frame.Frame{
				Timestamp: uint64(i),
				Category:  frame.Category(i % 4),
				Channel:   uint8(i),
				Payload:   []byte{byte(i)},
			}
		}
		sink := &memSink{}
		p := &Player{Sink: sink}

		emitted, err := p.Play(context.Background(), &memSource{frames: frames})
		Expect(err).ToNot(HaveOccurred())
		Expect(emitted).To(Equal(50))
		Expect(sink.frames).To(Equal(frames))
	})

	It("is cancellable mid-wait", func() {
		src := &memSource{frames: []*frame.Frame{
			eventFrame(0),
			eventFrame(uint64(time.Hour)), // Never reached.
		}}
		sink := &memSink{}
		p := &Player{Sink: sink, Speed: 1}

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		emitted, err := p.Play(ctx, src)
		Expect(err).To(Equal(context.DeadlineExceeded))
		Expect(emitted).To(Equal(1))
		Expect(sink.count()).To(Equal(1))
	})

	It("stops and reports when the sink fails", func() {
		sinkErr := errors.New("device went away")
		src := &memSource{frames: []*frame.Frame{
			eventFrame(0), eventFrame(1), eventFrame(2),
		}}
		sink := &memSink{failAfter: 1, err: sinkErr}
		p := &Player{Sink: sink}

		emitted, err := p.Play(context.Background(), src)
		Expect(errors.Cause(err)).To(Equal(sinkErr))
		Expect(emitted).To(Equal(1))
	})

	It("propagates source errors", func() {
		srcErr := errors.New("bad block")
		src := &memSource{frames: []*frame.Frame{eventFrame(0)}, err: srcErr}
		sink := &memSink{}
		p := &Player{Sink: sink}

		emitted, err := p.Play(context.Background(), src)
		Expect(errors.Cause(err)).To(Equal(srcErr))
		Expect(emitted).To(Equal(1))
	})

	It("requires a sink", func() {
		p := &Player{}
		_, err := p.Play(context.Background(), &memSource{})
		Expect(err).To(HaveOccurred())
	})

	It("reports no status when idle", func() {
		p := &Player{Sink: &memSink{}}
		Expect(p.Status()).To(BeNil())

		// Control calls are harmless no-ops while idle.
		p.Pause()
		p.Resume()
	})

	It("pauses and resumes an in-flight playback", func() {
		src := &memSource{frames: []*frame.Frame{
			eventFrame(0),
			eventFrame(uint64(500 * time.Millisecond)),
		}}
		sink := &memSink{}
		p := &Player{Sink: sink, Speed: 1}

		type result struct {
			emitted int
			err     error
		}
		doneC := make(chan result, 1)
		go func() {
			emitted, err := p.Play(context.Background(), src)
			doneC <- result{emitted, err}
		}()

		// Wait for the first frame to land, then pause during the 500ms gap.
		Eventually(sink.count, 5*time.Second, time.Millisecond).Should(Equal(1))
		p.Pause()

		Eventually(func() bool {
			st := p.Status()
			return st != nil && st.Paused
		}, 5*time.Second, time.Millisecond).Should(BeTrue())

		// Playback holds while paused.
		Consistently(sink.count, 200*time.Millisecond, 20*time.Millisecond).Should(Equal(1))

		st := p.Status()
		Expect(st.Emitted).To(Equal(1))
		Expect(st.Position).To(Equal(500 * time.Millisecond))

		p.Resume()

		var res result
		Eventually(doneC, 5*time.Second).Should(Receive(&res))
		Expect(res.err).ToNot(HaveOccurred())
		Expect(res.emitted).To(Equal(2))
		Expect(p.Status()).To(BeNil())
	})

	It("rejects concurrent playbacks", func() {
		src := &memSource{frames: []*frame.Frame{
			eventFrame(0),
			eventFrame(uint64(time.Hour)),
		}}
		p := &Player{Sink: &memSink{}, Speed: 1}

		ctx, cancel := context.WithCancel(context.Background())
		doneC := make(chan error, 1)
		go func() {
			_, err := p.Play(ctx, src)
			doneC <- err
		}()

		Eventually(p.Status, 5*time.Second, time.Millisecond).ShouldNot(BeNil())

		_, err := p.Play(context.Background(), &memSource{})
		Expect(err).To(HaveOccurred())

		cancel()
		Eventually(doneC, 5*time.Second).Should(Receive(Equal(context.Canceled)))
	})
})

var _ = Describe("Recorder", func() {
	var (
		tdir string
		path string
	)

	BeforeEach(func() {
		var err error
		tdir, err = ioutil.TempDir("", "recorder_test")
		Expect(err).ToNot(HaveOccurred())
		path = filepath.Join(tdir, "capture.trace")
	})

	AfterEach(func() {
		_ = os.RemoveAll(tdir)
	})

	newWriter := func() *tracefile.Writer {
		w, err := tracefile.Create(path, tracefile.WriterOptions{})
		Expect(err).ToNot(HaveOccurred())
		return w
	}

	countFrames := func() int {
		r, err := tracefile.Open(path)
		Expect(err).ToNot(HaveOccurred())
		defer func() { _ = r.Close() }()

		n := 0
		for {
			if _, err := r.Next(); err == io.EOF {
				return n
			} else if err != nil {
				Expect(err).ToNot(HaveOccurred())
			}
			n++
		}
	}

	It("records synchronously", func() {
		var r Recorder
		Expect(r.Start(newWriter(), RecorderOptions{})).To(Succeed())

		for i := 0; i < 10; i++ {
			Expect(r.Record(eventFrame(uint64(i)))).To(Succeed())
		}

		st := r.Status()
		Expect(st).ToNot(BeNil())
		Expect(st.Path).To(Equal(path))
		Expect(st.Frames).To(Equal(int64(10)))
		Expect(st.Error).ToNot(HaveOccurred())

		Expect(r.Stop()).To(Succeed())
		Expect(r.Status()).To(BeNil())
		Expect(countFrames()).To(Equal(10))
	})

	It("drops frames recorded after Stop", func() {
		var r Recorder
		Expect(r.Start(newWriter(), RecorderOptions{})).To(Succeed())
		Expect(r.Stop()).To(Succeed())

		Expect(r.Record(eventFrame(1))).To(Succeed())
		Expect(countFrames()).To(Equal(0))
	})

	It("surfaces unrecordable frames without poisoning the capture", func() {
		var r Recorder
		Expect(r.Start(newWriter(), RecorderOptions{})).To(Succeed())

		Expect(r.Record(eventFrame(100))).To(Succeed())

		err := r.Record(eventFrame(50))
		Expect(errors.Cause(err)).To(Equal(tracefile.ErrTimestampRegression))

		// The failure is per-frame; recording continues and Stop is clean.
		Expect(r.Status().Error).ToNot(HaveOccurred())
		Expect(r.Record(eventFrame(200))).To(Succeed())
		Expect(r.Stop()).To(Succeed())
		Expect(countFrames()).To(Equal(2))
	})

	It("requires an overflow policy with a queue", func() {
		var r Recorder
		err := r.Start(newWriter(), RecorderOptions{QueueSize: 16})
		Expect(err).To(HaveOccurred())
	})

	It("records through a blocking queue without loss", func() {
		var r Recorder
		Expect(r.Start(newWriter(), RecorderOptions{
			QueueSize: 4,
			Overflow:  OverflowBlock,
		})).To(Succeed())

		const total = 500
		for i := 0; i < total; i++ {
			Expect(r.Record(eventFrame(uint64(i)))).To(Succeed())
		}
		Expect(r.Stop()).To(Succeed())

		Expect(r.Dropped()).To(Equal(int64(0)))
		Expect(countFrames()).To(Equal(total))
	})

	It("sheds oldest frames under drop-oldest overflow", func() {
		var r Recorder
		Expect(r.Start(newWriter(), RecorderOptions{
			QueueSize: 2,
			Overflow:  OverflowDropOldest,
		})).To(Succeed())

		const total = 500
		for i := 0; i < total; i++ {
			Expect(r.Record(eventFrame(uint64(i)))).To(Succeed())
		}
		Expect(r.Stop()).To(Succeed())

		// Every frame is either on disk or counted as dropped; none vanish.
		Expect(int64(countFrames()) + r.Dropped()).To(Equal(int64(total)))
		Expect(countFrames()).To(BeNumerically(">", 0))
	})
})

var _ = Describe("OverflowPolicyFlag", func() {
	It("parses policy names case-insensitively", func() {
		var of OverflowPolicyFlag
		Expect(of.Set("block")).To(Succeed())
		Expect(of.Value()).To(Equal(OverflowBlock))

		Expect(of.Set("DROP_OLDEST")).To(Succeed())
		Expect(of.Value()).To(Equal(OverflowDropOldest))
		Expect(of.String()).To(Equal("DROP_OLDEST"))
	})

	It("rejects unknown policy names", func() {
		var of OverflowPolicyFlag
		Expect(of.Set("panic")).ToNot(Succeed())
		Expect(of.Set("unset")).ToNot(Succeed())
	})

	It("enumerates its values", func() {
		Expect(OverflowPolicyFlagValues()).To(Equal("BLOCK, DROP_OLDEST"))
	})
})

func TestReplay(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Replay")
}
