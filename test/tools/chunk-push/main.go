// Command chunk-push simulates a frame producer: it splits JPEG frames into
// chunk datagrams and sends them over UDP or SRT at a fixed frame rate,
// optionally dropping and reordering chunks.
package main

import (
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	srt "github.com/zsiec/srtgo"

	srtingest "github.com/zsiec/framebridge/internal/ingest/srt"
	"github.com/zsiec/framebridge/internal/media"
)

func main() {
	addrFlag := flag.String("addr", "127.0.0.1:5000", "bridge address")
	srtFlag := flag.String("srt", "", "send over SRT with this stream ID instead of UDP")
	dirFlag := flag.String("dir", "", "directory of .jpg files to loop (default: synthetic frames)")
	fpsFlag := flag.Float64("fps", 20, "frames per second")
	sizeFlag := flag.Int("size", 30000, "synthetic frame size in bytes")
	framesFlag := flag.Int("frames", 0, "frames to send (0 = until interrupted)")
	chunkFlag := flag.Int("chunk", media.DefaultChunkLimit, "chunk payload limit in bytes")
	lossFlag := flag.Float64("loss", 0, "probability of dropping each chunk")
	reorderFlag := flag.Bool("reorder", false, "shuffle chunks within each frame")
	startFlag := flag.Uint("start", 0, "first frame ID")
	flag.Parse()

	if *fpsFlag <= 0 {
		fmt.Fprintf(os.Stderr, "-fps must be positive\n")
		os.Exit(1)
	}

	frames, err := loadFrames(*dirFlag, *sizeFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot load frames: %v\n", err)
		os.Exit(1)
	}

	limit := *chunkFlag
	var conn io.WriteCloser
	if *srtFlag != "" {
		limit = min(limit, srtingest.MaxChunkPayload)
		cfg := srt.DefaultConfig()
		cfg.StreamID = *srtFlag
		fmt.Printf("Connecting to SRT %s (stream %s)...\n", *addrFlag, *srtFlag)
		conn, err = srt.Dial(*addrFlag, cfg)
	} else {
		conn, err = net.Dial("udp", *addrFlag)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connect failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	p := &pusher{
		conn:    conn,
		frames:  frames,
		limit:   limit,
		loss:    *lossFlag,
		reorder: *reorderFlag,
		rng:     rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}
	if err := p.run(uint32(*startFlag), *framesFlag, time.Duration(float64(time.Second) / *fpsFlag)); err != nil {
		fmt.Fprintf(os.Stderr, "Send failed: %v\n", err)
		os.Exit(1)
	}
}

type pusher struct {
	conn    io.Writer
	frames  [][]byte
	limit   int
	loss    float64
	reorder bool
	rng     *rand.Rand

	sent    int
	dropped int
}

func (p *pusher) run(id uint32, count int, interval time.Duration) error {
	start := time.Now()
	lastLog := start
	const logInterval = 5 * time.Second

	for n := 0; count == 0 || n < count; n++ {
		data := p.frames[n%len(p.frames)]
		if err := p.send(id, data); err != nil {
			return err
		}
		id++

		// pace against the global clock so a slow write does not shift
		// every later frame
		if wait := time.Until(start.Add(time.Duration(n+1) * interval)); wait > 0 {
			time.Sleep(wait)
		}

		if time.Since(lastLog) >= logInterval {
			fmt.Printf("frames=%d chunks_sent=%d chunks_dropped=%d elapsed=%s\n",
				n+1, p.sent, p.dropped, time.Since(start).Truncate(time.Second))
			lastLog = time.Now()
		}
	}
	fmt.Printf("done: chunks_sent=%d chunks_dropped=%d\n", p.sent, p.dropped)
	return nil
}

func (p *pusher) send(id uint32, data []byte) error {
	dgrams := media.Split(id, data, p.limit)
	if dgrams == nil {
		return fmt.Errorf("frame %d of %d bytes needs more than 65535 chunks", id, len(data))
	}
	if p.reorder {
		p.rng.Shuffle(len(dgrams), func(i, j int) { dgrams[i], dgrams[j] = dgrams[j], dgrams[i] })
	}
	for _, d := range dgrams {
		if p.loss > 0 && p.rng.Float64() < p.loss {
			p.dropped++
			continue
		}
		if _, err := p.conn.Write(d); err != nil {
			return err
		}
		p.sent++
	}
	return nil
}

func loadFrames(dir string, size int) ([][]byte, error) {
	if dir == "" {
		return [][]byte{syntheticFrame(size)}, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".jpg" || ext == ".jpeg") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no .jpg files in %s", dir)
	}
	slices.Sort(names)

	frames := make([][]byte, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		frames = append(frames, data)
	}
	fmt.Printf("Loaded %d frames from %s\n", len(frames), dir)
	return frames, nil
}

// syntheticFrame returns size bytes framed by JPEG start and end markers.
// Only the markers are valid; the encoder will reject the image data.
func syntheticFrame(size int) []byte {
	size = max(size, 4)
	data := make([]byte, size)
	data[0], data[1] = 0xFF, 0xD8
	for i := 2; i < size-2; i++ {
		data[i] = byte(i)
	}
	data[size-2], data[size-1] = 0xFF, 0xD9
	return data
}
