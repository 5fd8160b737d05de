package model

// PhotoRef identifies one size variant of a photo held by the chat transport.
type PhotoRef struct {
	FileID       string
	FileUniqueID string
	Width        int
	Height       int
	FileSize     int64
}

// ChatMessage is an inbound chat message reduced to what the handlers need.
type ChatMessage struct {
	MessageID int64
	ChatID    int64
	Text      string
	Photos    []PhotoRef
}

// HasPhoto reports whether the message carries at least one photo size.
func (m *ChatMessage) HasPhoto() bool {
	return m != nil && len(m.Photos) > 0
}

// LargestPhoto returns the biggest variant by pixel area, falling back to the last entry.
func (m *ChatMessage) LargestPhoto() (PhotoRef, bool) {
	if !m.HasPhoto() {
		return PhotoRef{}, false
	}
	best := m.Photos[len(m.Photos)-1]
	for _, p := range m.Photos {
		if p.Width*p.Height > best.Width*best.Height {
			best = p
		}
	}
	return best, true
}

// RemoteFile is a file downloaded from the chat transport.
type RemoteFile struct {
	FileID string
	// Path is the transport-side path, used for its extension.
	Path string
	Data []byte
}
