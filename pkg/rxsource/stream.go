package rxsource

import "sync"

// Stream is a double buffer handing complex sample blocks from one writer to
// one reader. The writer fills WriteBuf and calls Swap; the reader calls Read,
// consumes ReadBuf and calls Flush to hand the buffer back.
type Stream struct {
	mu        sync.Mutex
	swapCond  *sync.Cond
	readCond  *sync.Cond
	writeBuf  []complex64
	readBuf   []complex64
	dataSize  int
	dataReady bool
	canSwap   bool
	// reading is set while a reader holds the current block.
	reading bool

	writerStop bool
	readerStop bool
}

func NewStream() *Stream {
	s := &Stream{canSwap: true}
	s.swapCond = sync.NewCond(&s.mu)
	s.readCond = sync.NewCond(&s.mu)
	return s
}

// WriteBuf returns the writer's buffer with room for n samples. Only the
// writer may call it, and only between swaps.
func (s *Stream) WriteBuf(n int) []complex64 {
	if cap(s.writeBuf) < n {
		s.writeBuf = make([]complex64, n)
	}
	return s.writeBuf[:n]
}

// Swap publishes the first n samples of the write buffer. It blocks until the
// reader has flushed the previous block and returns false once the writer has
// been stopped.
func (s *Stream) Swap(n int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.canSwap && !s.writerStop {
		s.swapCond.Wait()
	}
	if s.writerStop {
		return false
	}

	s.canSwap = false
	s.dataSize = n
	s.writeBuf, s.readBuf = s.readBuf, s.writeBuf
	s.dataReady = true
	s.readCond.Broadcast()
	return true
}

// Read waits for a block and returns its length, or -1 once the reader has
// been stopped.
func (s *Stream) Read() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.dataReady && !s.readerStop {
		s.readCond.Wait()
	}
	if s.readerStop {
		return -1
	}
	s.reading = true
	return s.dataSize
}

// ReadBuf returns the block made available by the last successful Read.
func (s *Stream) ReadBuf() []complex64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readBuf[:s.dataSize]
}

// Flush releases the current block back to the writer.
func (s *Stream) Flush() {
	s.mu.Lock()
	s.dataReady = false
	s.reading = false
	s.canSwap = true
	s.swapCond.Broadcast()
	s.mu.Unlock()
}

func (s *Stream) StopWriter() {
	s.mu.Lock()
	s.writerStop = true
	s.swapCond.Broadcast()
	s.mu.Unlock()
}

// ClearWriteStop readies the stream for a new writer. A block left unread by
// the stopped writer is dropped so it is not delivered as part of the next
// session.
func (s *Stream) ClearWriteStop() {
	s.mu.Lock()
	s.writerStop = false
	if s.dataReady && !s.reading {
		s.dataReady = false
		s.canSwap = true
	}
	s.mu.Unlock()
}

func (s *Stream) StopReader() {
	s.mu.Lock()
	s.readerStop = true
	s.readCond.Broadcast()
	s.mu.Unlock()
}

func (s *Stream) ClearReadStop() {
	s.mu.Lock()
	s.readerStop = false
	s.mu.Unlock()
}
