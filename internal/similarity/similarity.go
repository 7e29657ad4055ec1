// Package similarity provides pure pairwise frame comparison functions used
// by the adaptive sampler: a cheap per-channel histogram correlation as a
// pre-filter and a windowed structural similarity (SSIM) as the tie-breaker.
package similarity

import (
	"image"
	"math"

	"golang.org/x/image/draw"
)

const (
	// Both measures operate on a fixed downscale so cost is independent of
	// the source resolution.
	workingSize = 128

	histogramBins = 64

	ssimWindow = 8
	ssimStride = 4
	ssimSigma  = 1.5

	// Standard SSIM stabilizers for 8-bit dynamic range.
	ssimC1 = (0.01 * 255) * (0.01 * 255)
	ssimC2 = (0.03 * 255) * (0.03 * 255)
)

// HistogramSimilarity returns the average Pearson correlation of the R, G
// and B value distributions of the two images, clamped to [0, 1]. It is
// insensitive to small spatial shifts and cheap enough to run on every
// candidate pair.
func HistogramSimilarity(a, b image.Image) float64 {
	ha := channelHistograms(toRGBA(a))
	hb := channelHistograms(toRGBA(b))

	var sum float64
	for c := 0; c < 3; c++ {
		sum += correlation(ha[c][:], hb[c][:])
	}
	return clamp01(sum / 3)
}

// SSIMSimilarity returns the mean structural similarity of the two images
// over Gaussian-weighted local windows, clamped to [0, 1]. It is more
// discriminating than HistogramSimilarity but roughly an order of magnitude
// more expensive, so callers should reserve it for pairs the histogram
// filter found inconclusive.
func SSIMSimilarity(a, b image.Image) float64 {
	ga := toGray(a)
	gb := toGray(b)
	kernel := gaussianKernel(ssimWindow, ssimSigma)

	var total float64
	var windows int
	for y := 0; y+ssimWindow <= workingSize; y += ssimStride {
		for x := 0; x+ssimWindow <= workingSize; x += ssimStride {
			total += windowSSIM(ga, gb, x, y, kernel)
			windows++
		}
	}
	if windows == 0 {
		return 0
	}
	return clamp01(total / float64(windows))
}

func windowSSIM(a, b *image.Gray, x0, y0 int, kernel []float64) float64 {
	var meanA, meanB float64
	k := 0
	for y := 0; y < ssimWindow; y++ {
		for x := 0; x < ssimWindow; x++ {
			w := kernel[k]
			k++
			meanA += w * float64(a.GrayAt(x0+x, y0+y).Y)
			meanB += w * float64(b.GrayAt(x0+x, y0+y).Y)
		}
	}

	var varA, varB, cov float64
	k = 0
	for y := 0; y < ssimWindow; y++ {
		for x := 0; x < ssimWindow; x++ {
			w := kernel[k]
			k++
			da := float64(a.GrayAt(x0+x, y0+y).Y) - meanA
			db := float64(b.GrayAt(x0+x, y0+y).Y) - meanB
			varA += w * da * da
			varB += w * db * db
			cov += w * da * db
		}
	}

	num := (2*meanA*meanB + ssimC1) * (2*cov + ssimC2)
	den := (meanA*meanA + meanB*meanB + ssimC1) * (varA + varB + ssimC2)
	return num / den
}

// gaussianKernel returns a normalized size*size weight grid in row order.
func gaussianKernel(size int, sigma float64) []float64 {
	kernel := make([]float64, size*size)
	center := float64(size-1) / 2
	var sum float64
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			dx := float64(x) - center
			dy := float64(y) - center
			w := math.Exp(-(dx*dx + dy*dy) / (2 * sigma * sigma))
			kernel[y*size+x] = w
			sum += w
		}
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

func channelHistograms(img *image.RGBA) [3][histogramBins]float64 {
	var hist [3][histogramBins]float64
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		row := img.Pix[(y-bounds.Min.Y)*img.Stride:]
		for x := 0; x < bounds.Dx(); x++ {
			p := row[x*4 : x*4+3]
			hist[0][int(p[0])*histogramBins/256]++
			hist[1][int(p[1])*histogramBins/256]++
			hist[2][int(p[2])*histogramBins/256]++
		}
	}
	return hist
}

func correlation(a, b []float64) float64 {
	n := float64(len(a))
	var meanA, meanB float64
	for i := range a {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= n
	meanB /= n

	var num, varA, varB float64
	for i := range a {
		da := a[i] - meanA
		db := b[i] - meanB
		num += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		// Flat histograms: identical distributions correlate perfectly.
		if varA == varB {
			return 1
		}
		return 0
	}
	return num / math.Sqrt(varA*varB)
}

func toRGBA(img image.Image) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, workingSize, workingSize))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

func toGray(img image.Image) *image.Gray {
	rgba := toRGBA(img)
	dst := image.NewGray(rgba.Bounds())
	draw.Draw(dst, dst.Bounds(), rgba, rgba.Bounds().Min, draw.Src)
	return dst
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
