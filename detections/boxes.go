package detections

import (
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/Tutortoise/face-alignment-gate/models"
)

// processPredictions decodes the face model's [x, y, w, h, conf, ...]
// channel-major output into boxes in original image pixels.
func processPredictions(predictions []float32, originalWidth, originalHeight int) ([]models.Detection, error) {
	threshold := float32(ConfThreshold)

	expectedSize := 6 * NumPredictions
	if len(predictions) != expectedSize {
		return nil, fmt.Errorf("unexpected predictions length: got %d, want %d", len(predictions), expectedSize)
	}

	detections := make([]models.Detection, 0, 100)
	const chunkSize = 512
	numWorkers := runtime.NumCPU()
	jobs := make(chan int, numWorkers)
	results := make(chan []models.Detection, numWorkers)

	var wg sync.WaitGroup

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			localDetections := make([]models.Detection, 0, 16)

			for start := range jobs {
				end := min(start+chunkSize, NumPredictions)

				for i := start; i < end; i++ {
					confidence := predictions[4*NumPredictions+i]
					if confidence < threshold {
						continue
					}
					bbox := calculateBBox(
						[4]float32{
							predictions[i],
							predictions[NumPredictions+i],
							predictions[2*NumPredictions+i],
							predictions[3*NumPredictions+i],
						},
						float32(originalWidth),
						float32(originalHeight),
					)
					localDetections = append(localDetections, models.Detection{
						BBox:       bbox,
						Confidence: confidence,
					})
				}
			}

			if len(localDetections) > 0 {
				results <- localDetections
			}
		}()
	}

	go func() {
		for i := 0; i < NumPredictions; i += chunkSize {
			jobs <- i
		}
		close(jobs)
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	for chunk := range results {
		detections = append(detections, chunk...)
	}

	sortDetectionsByConfidence(detections)
	return detections, nil
}

// calculateBBox converts a normalized centre/size box into clipped corner
// coordinates.
func calculateBBox(coords [4]float32, origWidth, origHeight float32) [4]int32 {
	scaleX := origWidth / InputWidth
	scaleY := origHeight / InputHeight

	centerX := coords[0] * InputWidth
	centerY := coords[1] * InputHeight
	width := coords[2] * InputWidth
	height := coords[3] * InputHeight

	x1 := (centerX - width/2) * scaleX
	y1 := (centerY - height/2) * scaleY
	x2 := (centerX + width/2) * scaleX
	y2 := (centerY + height/2) * scaleY

	return [4]int32{
		int32(max(0, x1)),
		int32(max(0, y1)),
		int32(min(origWidth, x2)),
		int32(min(origHeight, y2)),
	}
}

func sortDetectionsByConfidence(detections []models.Detection) {
	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].Confidence > detections[j].Confidence
	})
}
