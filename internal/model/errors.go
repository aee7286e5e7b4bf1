package model

import "errors"

// Sentinel error kinds, matched with errors.Is at call sites. Each mirrors
// one of the error kinds enumerated for the pipeline's failure handling.
var (
	ErrConfigMissing      = errors.New("required configuration value missing")
	ErrUntrusted          = errors.New("calling AE title not trusted")
	ErrHeaderParse        = errors.New("file is not parseable as DICOM")
	ErrUIDMissing         = errors.New("SOPInstanceUID missing")
	ErrPlacementIO        = errors.New("failed to place object on disk")
	ErrAssociationRefused = errors.New("peer refused association")
	ErrStoreFailed        = errors.New("peer returned non-success C-STORE status")
	ErrDoseIntegrity      = errors.New("RTDOSE pixel data missing or altered")
)
