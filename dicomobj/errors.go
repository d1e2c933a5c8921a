package dicomobj

import "errors"

var (
	// ErrMalformed is returned when a payload cannot be parsed as DICOM.
	ErrMalformed = errors.New("malformed dicom object")
	// ErrMissingPosition is returned by ZSort when an object has no usable
	// ImagePositionPatient z component.
	ErrMissingPosition = errors.New("missing image position")
	// ErrMissingThickness is reported when SliceThickness is absent or unparseable.
	ErrMissingThickness = errors.New("unreadable slice thickness")
	// ErrNoPixelData is returned when an object carries no decodable frame.
	ErrNoPixelData = errors.New("no pixel data")
)
