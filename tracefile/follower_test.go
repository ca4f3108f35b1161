// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package tracefile

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/danjacques/caltrace/frame"

	"github.com/pkg/errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Follower", func() {
	var (
		tdir string
		path string

		mu  sync.Mutex
		got []uint64
	)

	collect := func(f *frame.Frame) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, f.Timestamp)
		return nil
	}

	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(got)
	}

	BeforeEach(func() {
		var err error
		tdir, err = ioutil.TempDir("", "follower_test")
		Expect(err).ToNot(HaveOccurred())

		path = filepath.Join(tdir, "live.trace")
		got = nil
	})

	AfterEach(func() {
		_ = os.RemoveAll(tdir)
	})

	It("delivers frames as blocks land, then stops on cancel", func() {
		w, err := Create(path, WriterOptions{})
		Expect(err).ToNot(HaveOccurred())
		defer func() { _ = w.Close() }()

		fl := &Follower{Path: path, OnFrame: collect}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		runDone := make(chan error, 1)
		go func() { runDone <- fl.Run(ctx) }()

		for ts := uint64(1); ts <= 3; ts++ {
			Expect(w.Append(testFrame(ts, frame.CategoryEvent, "tick"))).To(Succeed())
		}
		Expect(w.Sync()).To(Succeed())
		Eventually(count, 5*time.Second, 10*time.Millisecond).Should(Equal(3))

		// Only frames past the high-water mark are delivered on rescans.
		for ts := uint64(4); ts <= 5; ts++ {
			Expect(w.Append(testFrame(ts, frame.CategoryEvent, "tick"))).To(Succeed())
		}
		Expect(w.Sync()).To(Succeed())
		Eventually(count, 5*time.Second, 10*time.Millisecond).Should(Equal(5))

		mu.Lock()
		Expect(got).To(Equal([]uint64{1, 2, 3, 4, 5}))
		mu.Unlock()

		cancel()
		Eventually(runDone, 5*time.Second).Should(Receive(Equal(context.Canceled)))
	})

	It("waits for a file that does not exist yet", func() {
		fl := &Follower{Path: path, OnFrame: collect}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		runDone := make(chan error, 1)
		go func() { runDone <- fl.Run(ctx) }()

		// Give the watcher a moment to come up before the file appears.
		time.Sleep(100 * time.Millisecond)

		w, err := Create(path, WriterOptions{})
		Expect(err).ToNot(HaveOccurred())
		Expect(w.Append(testFrame(42, frame.CategoryCommand, "hello"))).To(Succeed())
		Expect(w.Close()).To(Succeed())

		Eventually(count, 5*time.Second, 10*time.Millisecond).Should(Equal(1))

		cancel()
		Eventually(runDone, 5*time.Second).Should(Receive(Equal(context.Canceled)))
	})

	It("stops when the callback errors", func() {
		w, err := Create(path, WriterOptions{})
		Expect(err).ToNot(HaveOccurred())
		Expect(w.Append(testFrame(1, frame.CategoryCommand, "boom"))).To(Succeed())
		Expect(w.Close()).To(Succeed())

		failure := errors.New("sink full")
		fl := &Follower{
			Path:    path,
			OnFrame: func(*frame.Frame) error { return failure },
		}

		err = fl.Run(context.Background())
		Expect(errors.Cause(err)).To(Equal(failure))
	})
})
