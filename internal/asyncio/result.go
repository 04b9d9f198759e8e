package asyncio

// Result is a one-shot handle over a reply that a worker will eventually
// send, the Go realization of spec.md §4.6's result handle. Wait blocks
// until the reply arrives; a worker dropping the channel without sending
// (a protocol invariant violation — the system is documented as corrupt at
// that point) surfaces as a panic rather than a silent zero value.
type Result[T any] struct {
	ch <-chan outcome[T]
}

// Wait blocks until the backend result is available.
func (r Result[T]) Wait() (T, error) {
	o, ok := <-r.ch
	if !ok {
		panic("asyncio: worker dropped a reply channel without sending a result")
	}
	return o.val, o.err
}

func newResult[T any]() (Result[T], chan outcome[T]) {
	ch := make(chan outcome[T], 1)
	return Result[T]{ch: ch}, ch
}

// ListStream is the lazy, consume-once sequence list_recursively returns:
// a pull-style iterator over the same batched channel the worker writes
// to. It is restartable-from-start only in the sense that there is no
// restart at all — once drained, Next always reports done.
type ListStream struct {
	ch  <-chan []Item
	buf []Item
}

// Next returns the next Item and true, or a zero Item and false once the
// stream is exhausted. An Item with a non-nil Err is an error encountered
// walking one entry; it does not end the stream.
func (s *ListStream) Next() (Item, bool) {
	for len(s.buf) == 0 {
		batch, ok := <-s.ch
		if !ok {
			return Item{}, false
		}
		s.buf = batch
	}
	item := s.buf[0]
	s.buf = s.buf[1:]
	return item, true
}
