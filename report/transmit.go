package report

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	gdicom "github.com/grailbio/go-dicom"
	netdicom "github.com/grailbio/go-netdicom"
)

// ErrTransmissionFailed is the single error callers see for any failed
// send, whatever the transport.
var ErrTransmissionFailed = errors.New("transmission failed")

// Transmitter ships an encoded report to its destination.
type Transmitter interface {
	Name() string
	Transmit(ctx context.Context, r *Report) error
}

// InstanceCreator is the archive endpoint that accepts a Part-10 upload.
type InstanceCreator interface {
	CreateInstance(ctx context.Context, body []byte) (string, error)
}

// HTTPTransmitter posts the report to the archive's instance endpoint.
type HTTPTransmitter struct {
	archive InstanceCreator
}

// NewHTTPTransmitter wraps an archive client.
func NewHTTPTransmitter(archive InstanceCreator) *HTTPTransmitter {
	return &HTTPTransmitter{archive: archive}
}

func (t *HTTPTransmitter) Name() string { return "http" }

func (t *HTTPTransmitter) Transmit(ctx context.Context, r *Report) error {
	id, err := t.archive.CreateInstance(ctx, r.Bytes)
	if err != nil {
		log.Printf("HTTPTransmitter: POST of report %s failed: %v", r.SOPInstanceUID, err)
		return fmt.Errorf("http: %v: %w", err, ErrTransmissionFailed)
	}
	log.Printf("HTTPTransmitter: report %s stored as %s", r.SOPInstanceUID, id)
	return nil
}

// StoreTransmitter sends the report with a C-STORE request: associate,
// store, release.
type StoreTransmitter struct {
	addr      string
	callingAE string
	calledAE  string
}

// NewStoreTransmitter targets the node at addr (host:port).
func NewStoreTransmitter(addr, callingAE, calledAE string) *StoreTransmitter {
	return &StoreTransmitter{addr: addr, callingAE: callingAE, calledAE: calledAE}
}

func (t *StoreTransmitter) Name() string { return "cstore" }

func (t *StoreTransmitter) Transmit(ctx context.Context, r *Report) error {
	ds, err := gdicom.ReadDataSetInBytes(r.Bytes, gdicom.ReadOptions{})
	if err != nil {
		return fmt.Errorf("cstore: reread report: %v: %w", err, ErrTransmissionFailed)
	}
	su, err := netdicom.NewServiceUser(netdicom.ServiceUserParams{
		CalledAETitle:  t.calledAE,
		CallingAETitle: t.callingAE,
		SOPClasses:     []string{BasicTextSRClass},
	})
	if err != nil {
		log.Printf("StoreTransmitter: association setup for %s failed: %v", t.addr, err)
		return fmt.Errorf("cstore: %v: %w", err, ErrTransmissionFailed)
	}

	done := make(chan error, 1)
	go func() {
		defer su.Release()
		su.Connect(t.addr)
		done <- su.CStore(ds)
	}()

	select {
	case <-ctx.Done():
		log.Printf("StoreTransmitter: C-STORE to %s abandoned: %v", t.addr, ctx.Err())
		return fmt.Errorf("cstore: %v: %w", ctx.Err(), ErrTransmissionFailed)
	case err := <-done:
		if err != nil {
			log.Printf("StoreTransmitter: association/C-STORE to %s (%s) failed: %v", t.addr, t.calledAE, err)
			return fmt.Errorf("cstore: %v: %w", err, ErrTransmissionFailed)
		}
	}
	return nil
}

// InstanceStorer is a DICOMweb store endpoint (STOW-RS).
type InstanceStorer interface {
	StoreInstance(ctx context.Context, body []byte) error
}

// HealthcareTransmitter stores the report in a cloud DICOM store.
type HealthcareTransmitter struct {
	store   InstanceStorer
	timeout time.Duration
}

// NewHealthcareTransmitter wraps a DICOMweb client. timeout <= 0 uses the
// caller's deadline only.
func NewHealthcareTransmitter(store InstanceStorer, timeout time.Duration) *HealthcareTransmitter {
	return &HealthcareTransmitter{store: store, timeout: timeout}
}

func (t *HealthcareTransmitter) Name() string { return "healthcare" }

func (t *HealthcareTransmitter) Transmit(ctx context.Context, r *Report) error {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	if err := t.store.StoreInstance(ctx, r.Bytes); err != nil {
		log.Printf("HealthcareTransmitter: STOW of report %s failed: %v", r.SOPInstanceUID, err)
		return fmt.Errorf("healthcare: %v: %w", err, ErrTransmissionFailed)
	}
	return nil
}
