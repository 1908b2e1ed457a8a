package api

import (
	"fmt"
)

// StatusError is an error with an HTTP status code and message,
// it is parsed on the client-side and not returned from the API
type StatusError struct {
	StatusCode   int    // e.g. 200
	Status       string // e.g. "200 OK"
	ErrorMessage string `json:"error"`
}

func (e StatusError) Error() string {
	switch {
	case e.Status != "" && e.ErrorMessage != "":
		return fmt.Sprintf("%s: %s", e.Status, e.ErrorMessage)
	case e.Status != "":
		return e.Status
	case e.ErrorMessage != "":
		return e.ErrorMessage
	default:
		// this should not happen
		return "something went wrong, please see the sdvae server logs for details"
	}
}

// EncodeRequest describes a request sent by [Client.Encode].
type EncodeRequest struct {
	// Image is the encoded png, jpeg, gif, bmp, tiff or webp image.
	Image []byte `json:"image"`

	// Seed seeds the noise used to sample the latent. A nil seed draws fresh noise.
	Seed *uint64 `json:"seed,omitempty"`

	// Size is the height and width the image is resized to. It must be a multiple
	// of the encoder's downsampling factor. Defaults to 512.
	Size int `json:"size,omitempty"`

	// Fit is either "stretch" (default) or "pad".
	Fit string `json:"fit,omitempty"`

	// MeanOnly returns the scaled distribution mean instead of a sample.
	MeanOnly bool `json:"mean_only,omitempty"`
}

// EncodeResponse is the response returned by [Client.Encode].
type EncodeResponse struct {
	Shape   []int     `json:"shape"`
	Latent  []float32 `json:"latent"`
	Scale   float64   `json:"scale"`
	Summary Summary   `json:"summary"`

	EncodeDuration int64 `json:"encode_duration,omitempty"`
}

type Summary struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

// ShowResponse describes the loaded encoder.
type ShowResponse struct {
	Architecture   string       `json:"architecture"`
	Weights        string       `json:"weights"`
	LatentChannels int          `json:"latent_channels"`
	Scale          float64      `json:"scale"`
	Downsample     int          `json:"downsample"`
	Stages         []string     `json:"stages"`
	Tensors        []TensorInfo `json:"tensors"`
	Parameters     uint64       `json:"parameters"`
}

type TensorInfo struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`

	// DType is the type stored in the weights file, e.g. F16.
	DType string `json:"dtype,omitempty"`
}

type VersionResponse struct {
	Version string `json:"version"`
}
