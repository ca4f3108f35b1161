// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package byteslicereader

import (
	"io"
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("R", func() {
	var r *R

	BeforeEach(func() {
		r = &R{}
	})

	Context("Read", func() {
		buf := make([]byte, 16)

		It("with no data, reads 0 bytes and returns EOF", func() {
			amt, err := r.Read(buf)

			Expect(amt).To(Equal(0))
			Expect(err).To(Equal(io.EOF))
		})

		It("reads across multiple calls", func() {
			r.Buffer = []byte{0, 1, 2, 3}

			amt, err := r.Read(buf[:3])
			Expect(amt).To(Equal(3))
			Expect(err).ToNot(HaveOccurred())

			amt, err = r.Read(buf)
			Expect(amt).To(Equal(1))
			Expect(err).To(Equal(io.EOF))
		})
	})

	Context("ReadByte", func() {
		It("returns bytes in order, then EOF", func() {
			r.Buffer = []byte{0x0A, 0x0B}

			b, err := r.ReadByte()
			Expect(err).ToNot(HaveOccurred())
			Expect(b).To(Equal(byte(0x0A)))

			b, err = r.ReadByte()
			Expect(err).ToNot(HaveOccurred())
			Expect(b).To(Equal(byte(0x0B)))

			_, err = r.ReadByte()
			Expect(err).To(Equal(io.EOF))
		})
	})

	Context("Next", func() {
		BeforeEach(func() {
			r.Buffer = []byte{0, 1, 2, 3, 4}
		})

		It("returns a window of the backing buffer and advances", func() {
			v, err := r.Next(2)
			Expect(err).ToNot(HaveOccurred())
			Expect(v).To(Equal([]byte{0, 1}))
			Expect(r.Remaining()).To(Equal(3))

			// Zero-copy: v aliases the backing buffer.
			r.Buffer[0] = 0xFF
			Expect(v[0]).To(Equal(byte(0xFF)))
		})

		It("returns exactly the remaining bytes without error", func() {
			v, err := r.Next(5)
			Expect(err).ToNot(HaveOccurred())
			Expect(v).To(Equal([]byte{0, 1, 2, 3, 4}))
			Expect(r.Remaining()).To(Equal(0))
		})

		It("returns a short read with EOF when over-asked", func() {
			v, err := r.Next(100)
			Expect(err).To(Equal(io.EOF))
			Expect(v).To(HaveLen(5))
		})

		It("returns independent data when AlwaysCopy is set", func() {
			r.AlwaysCopy = true

			v, err := r.Next(2)
			Expect(err).ToNot(HaveOccurred())

			r.Buffer[0] = 0xFF
			Expect(v[0]).To(Equal(byte(0)))
		})
	})
})

func TestByteSliceReader(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "ByteSliceReader")
}
