// Package ocr defines the OCR engine contract and a deduplicating request
// queue that maps (engine, image identity, params) to a single shared
// recognition. Engines are opaque: given an image file they return bounded
// text elements.
package ocr
