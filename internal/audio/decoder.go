package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/at-wat/ebml-go"
	"github.com/at-wat/ebml-go/webm"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/hraban/opus"
	"layeh.com/gopus"
)

const (
	opusSampleRate = 48000
	opusMaxFrame   = 5760 // 120ms at 48kHz
	opusHeadLen    = 19
	webmCodecOpus  = "A_OPUS"
)

var ebmlMagic = []byte{0x1A, 0x45, 0xDF, 0xA3}

// Decode sniffs the container of r and decodes it into a mono clip at its
// native sample rate. WAV (PCM), MP3, Ogg/Opus and WebM/Opus are supported.
func Decode(r io.ReadSeeker) (*Clip, error) {
	header := make([]byte, 12)
	n, err := io.ReadFull(r, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read audio header: %w", err)
	}
	if n == 0 {
		return nil, ErrEmptyAudio
	}
	header = header[:n]
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind audio: %w", err)
	}

	var clip *Clip
	switch {
	case len(header) >= 12 && bytes.Equal(header[0:4], []byte("RIFF")) && bytes.Equal(header[8:12], []byte("WAVE")):
		clip, err = decodeWAV(r)
	case len(header) >= 4 && bytes.Equal(header[0:4], []byte("OggS")):
		clip, err = decodeOggOpus(r)
	case len(header) >= 4 && bytes.Equal(header[0:4], ebmlMagic):
		clip, err = decodeWebMOpus(r)
	case len(header) >= 3 && bytes.Equal(header[0:3], []byte("ID3")),
		len(header) >= 2 && header[0] == 0xFF && header[1]&0xE0 == 0xE0:
		clip, err = decodeMP3(r)
	default:
		return nil, ErrUnsupportedFormat
	}
	if err != nil {
		return nil, err
	}
	if len(clip.Samples) == 0 {
		return nil, ErrEmptyAudio
	}
	return clip, nil
}

func decodeWAV(r io.ReadSeeker) (*Clip, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return nil, fmt.Errorf("%w: invalid wav header", ErrUnsupportedFormat)
	}
	if d.WavAudioFormat != 1 {
		return nil, fmt.Errorf("%w: wav encoding %d is not PCM", ErrUnsupportedFormat, d.WavAudioFormat)
	}

	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to decode wav: %w", err)
	}

	channels := int(d.NumChans)
	if channels < 1 {
		return nil, fmt.Errorf("%w: wav has no channels", ErrUnsupportedFormat)
	}

	var scale, offset float64
	switch d.BitDepth {
	case 8:
		scale, offset = 128, 128
	case 16:
		scale = 1 << 15
	case 24:
		scale = 1 << 23
	case 32:
		scale = 1 << 31
	default:
		return nil, fmt.Errorf("%w: unsupported wav bit depth %d", ErrUnsupportedFormat, d.BitDepth)
	}

	frames := len(buf.Data) / channels
	samples := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += (float64(buf.Data[i*channels+c]) - offset) / scale
		}
		samples[i] = sum / float64(channels)
	}

	return &Clip{Samples: samples, SampleRate: int(d.SampleRate)}, nil
}

func decodeMP3(r io.Reader) (*Clip, error) {
	d, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}

	pcm, err := io.ReadAll(d)
	if err != nil {
		return nil, fmt.Errorf("failed to decode mp3: %w", err)
	}

	// go-mp3 always emits 16-bit little-endian stereo.
	frames := len(pcm) / 4
	samples := make([]float64, frames)
	for i := 0; i < frames; i++ {
		left := int16(binary.LittleEndian.Uint16(pcm[i*4:]))
		right := int16(binary.LittleEndian.Uint16(pcm[i*4+2:]))
		samples[i] = (float64(left) + float64(right)) / 2 / 32768
	}

	return &Clip{Samples: samples, SampleRate: d.SampleRate()}, nil
}

// decodeOggOpus decodes an Ogg Opus file through libopusfile, which also
// applies the stream's pre-skip.
func decodeOggOpus(r io.ReadSeeker) (*Clip, error) {
	channels, err := opusHeadChannels(r)
	if err != nil {
		return nil, err
	}

	stream, err := opus.NewStream(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	defer stream.Close()

	pcm := make([]int16, opusMaxFrame*channels)
	var samples []float64
	for {
		n, err := stream.Read(pcm)
		if errors.Is(err, io.EOF) || (err == nil && n == 0) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode ogg opus: %w", err)
		}
		samples = appendMono(samples, pcm[:n*channels], channels)
	}

	return &Clip{Samples: samples, SampleRate: opusSampleRate}, nil
}

// opusHeadChannels reads the channel count from the OpusHead packet that
// opens the first Ogg page, then rewinds r.
func opusHeadChannels(r io.ReadSeeker) (int, error) {
	const pageHeaderLen = 27
	buf := make([]byte, pageHeaderLen+255+opusHeadLen)
	n, err := io.ReadFull(r, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return 0, fmt.Errorf("failed to read ogg header: %w", err)
	}
	buf = buf[:n]
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("failed to rewind audio: %w", err)
	}

	if len(buf) < pageHeaderLen {
		return 0, fmt.Errorf("%w: truncated ogg page", ErrUnsupportedFormat)
	}
	head := buf[pageHeaderLen+int(buf[26]):]
	if len(head) < opusHeadLen || !bytes.HasPrefix(head, []byte("OpusHead")) {
		return 0, fmt.Errorf("%w: ogg stream is not opus", ErrUnsupportedFormat)
	}

	channels := int(head[9])
	if channels < 1 || channels > 2 {
		return 0, fmt.Errorf("%w: opus channel count %d", ErrUnsupportedFormat, channels)
	}
	return channels, nil
}

// webmDocument is the part of a WebM file needed to pull Opus frames out.
type webmDocument struct {
	Header  webm.EBMLHeader `ebml:"EBML"`
	Segment webm.Segment    `ebml:"Segment"`
}

// decodeWebMOpus decodes the first Opus track of a WebM file, as produced by
// browser MediaRecorder.
func decodeWebMOpus(r io.Reader) (*Clip, error) {
	var doc webmDocument
	if err := ebml.Unmarshal(r, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}

	var track *webm.TrackEntry
	for i, t := range doc.Segment.Tracks.TrackEntry {
		if t.CodecID == webmCodecOpus {
			track = &doc.Segment.Tracks.TrackEntry[i]
			break
		}
	}
	if track == nil {
		return nil, fmt.Errorf("%w: webm file has no opus track", ErrUnsupportedFormat)
	}

	channels := 2
	if track.Audio != nil && track.Audio.Channels == 1 {
		channels = 1
	}
	decoder, err := gopus.NewDecoder(opusSampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus decoder: %w", err)
	}

	var samples []float64
	for _, cluster := range doc.Segment.Cluster {
		for _, block := range cluster.SimpleBlock {
			if block.TrackNumber != track.TrackNumber {
				continue
			}
			for _, frame := range block.Data {
				pcm, err := decoder.Decode(frame, opusMaxFrame, false)
				if err != nil {
					return nil, fmt.Errorf("failed to decode opus: %w", err)
				}
				samples = appendMono(samples, pcm, channels)
			}
		}
	}

	return &Clip{Samples: samples, SampleRate: opusSampleRate}, nil
}

// appendMono averages interleaved 16-bit frames into dst.
func appendMono(dst []float64, pcm []int16, channels int) []float64 {
	for i := 0; i+channels <= len(pcm); i += channels {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += float64(pcm[i+c])
		}
		dst = append(dst, sum/float64(channels)/32768)
	}
	return dst
}
