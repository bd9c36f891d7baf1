package utils

const (
	// sniffLength defines the maximum number of bytes inspected when detecting binary content.
	sniffLength = 2048
	// controlByteThreshold is the fraction of control bytes above which content counts as binary.
	controlByteThreshold = 0.10
)

// IsBinary reports whether the provided byte slice appears to contain binary data.
// Only the first sniffLength bytes are inspected: a NUL byte is decisive, otherwise
// the content is binary when more than controlByteThreshold of the window consists
// of control bytes other than newline, carriage return and tab.
func IsBinary(data []byte) bool {
	window := data
	if len(window) > sniffLength {
		window = window[:sniffLength]
	}
	if len(window) == 0 {
		return false
	}
	controlBytes := 0
	for _, byteValue := range window {
		if byteValue == 0 {
			return true
		}
		if byteValue < 32 && byteValue != '\n' && byteValue != '\r' && byteValue != '\t' {
			controlBytes++
		}
	}
	return float64(controlBytes)/float64(len(window)) > controlByteThreshold
}
