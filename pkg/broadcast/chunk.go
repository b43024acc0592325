package broadcast

// Chunk is one read from the source. Data is shared by the replay buffer and
// every subscriber and must not be modified after the chunk is produced.
type Chunk struct {
	// Seq is the 1-based position of the chunk within the current session.
	Seq  uint64
	Data []byte
}

// Len returns the number of bytes in the chunk.
func (c Chunk) Len() int {
	return len(c.Data)
}
