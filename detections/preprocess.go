package detections

import (
	"image"
	"runtime"
	"sync"

	"golang.org/x/sys/cpu"
)

var (
	hasAVX512 = cpu.X86.HasAVX512
	hasAVX2   = cpu.X86.HasAVX2
	hasSSE41  = cpu.X86.HasSSE41
	hasASIMD  = cpu.ARM64.HasASIMD
)

// CPUFeatures lists the vector extensions the preprocessor detected.
func CPUFeatures() []string {
	var out []string
	for _, f := range []struct {
		name string
		ok   bool
	}{
		{"avx512", hasAVX512},
		{"avx2", hasAVX2},
		{"sse4.1", hasSSE41},
		{"asimd", hasASIMD},
	} {
		if f.ok {
			out = append(out, f.name)
		}
	}
	return out
}

// Preprocessor converts an image into a planar CHW float32 tensor with
// values in [0,1].
type Preprocessor struct {
	width, height int
	numWorkers    int
	bufferPool    *sync.Pool
}

func NewPreprocessor(width, height int) *Preprocessor {
	workers := runtime.GOMAXPROCS(0)
	// without wide vector units the fan-out costs more than it saves
	if !hasAVX2 && !hasAVX512 && !hasASIMD {
		workers = 1
	}
	if workers > height {
		workers = height
	}

	size := width * height * 3
	return &Preprocessor{
		width:      width,
		height:     height,
		numWorkers: workers,
		bufferPool: &sync.Pool{
			New: func() interface{} {
				buf := make([]float32, size)
				return &buf
			},
		},
	}
}

// Process writes img into dst, which must hold width*height*3 values. img
// must already be resized to the preprocessor's dimensions.
func (p *Preprocessor) Process(img image.Image, dst []float32) {
	bufPtr := p.bufferPool.Get().(*[]float32)
	defer p.bufferPool.Put(bufPtr)
	buffer := *bufPtr

	if p.numWorkers <= 1 {
		p.processRows(img, buffer, 0, p.height)
	} else {
		p.processParallel(img, buffer)
	}

	copy(dst, buffer)
}

func (p *Preprocessor) processParallel(img image.Image, buffer []float32) {
	rowsPerWorker := p.height / p.numWorkers

	var wg sync.WaitGroup
	wg.Add(p.numWorkers)

	for w := 0; w < p.numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := (w + 1) * rowsPerWorker
		if w == p.numWorkers-1 {
			endRow = p.height
		}

		go func(start, end int) {
			defer wg.Done()
			p.processRows(img, buffer, start, end)
		}(startRow, endRow)
	}

	wg.Wait()
}

func (p *Preprocessor) processRows(img image.Image, buffer []float32, start, end int) {
	channelSize := p.width * p.height
	bounds := img.Bounds()

	if nrgba, ok := img.(*image.NRGBA); ok {
		for y := start; y < end; y++ {
			row := nrgba.Pix[nrgba.PixOffset(bounds.Min.X, bounds.Min.Y+y):]
			offset := y * p.width
			for x := 0; x < p.width; x++ {
				i := offset + x
				buffer[i] = float32(row[x*4]) / 255.0
				buffer[channelSize+i] = float32(row[x*4+1]) / 255.0
				buffer[channelSize*2+i] = float32(row[x*4+2]) / 255.0
			}
		}
		return
	}

	for y := start; y < end; y++ {
		offset := y * p.width
		for x := 0; x < p.width; x++ {
			i := offset + x
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			buffer[i] = float32(r>>8) / 255.0
			buffer[channelSize+i] = float32(g>>8) / 255.0
			buffer[channelSize*2+i] = float32(b>>8) / 255.0
		}
	}
}
