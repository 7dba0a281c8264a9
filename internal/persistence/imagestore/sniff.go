package imagestore

import "bytes"

const (
	ExtPNG  = ".png"
	ExtJPEG = ".jpg"
	ExtGIF  = ".gif"
	ExtWEBP = ".webp"
)

var (
	sigPNG   = []byte("\x89PNG\r\n\x1a\n")
	sigGIF87 = []byte("GIF87a")
	sigGIF89 = []byte("GIF89a")
	sigJPEG  = []byte{0xFF, 0xD8, 0xFF}
)

// Sniff returns the file extension for the image format recognised from the
// leading bytes of buf, or "" when the format is unknown. The upload's own
// file name is never consulted.
func Sniff(buf []byte) string {
	switch {
	case bytes.HasPrefix(buf, sigPNG):
		return ExtPNG
	case bytes.HasPrefix(buf, sigGIF87), bytes.HasPrefix(buf, sigGIF89):
		return ExtGIF
	case isJPEG(buf):
		return ExtJPEG
	case len(buf) >= 12 && string(buf[0:4]) == "RIFF" && string(buf[8:12]) == "WEBP":
		return ExtWEBP
	}
	return ""
}

func isJPEG(buf []byte) bool {
	if len(buf) >= 10 {
		if tag := string(buf[6:10]); tag == "JFIF" || tag == "Exif" {
			return true
		}
	}
	return bytes.HasPrefix(buf, sigJPEG)
}

// ContentType maps a stored extension to its MIME type.
func ContentType(ext string) string {
	switch ext {
	case ExtPNG:
		return "image/png"
	case ExtJPEG:
		return "image/jpeg"
	case ExtGIF:
		return "image/gif"
	case ExtWEBP:
		return "image/webp"
	}
	return "application/octet-stream"
}
