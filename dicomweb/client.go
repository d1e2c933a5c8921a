// Package dicomweb stores reports in a Cloud Healthcare DICOM store.
package dicomweb

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"

	healthcare "google.golang.org/api/healthcare/v1"
)

// Client targets one DICOM store.
type Client struct {
	projectID string
	location  string
	datasetID string
	storeID   string
	svc       *healthcare.Service
}

func NewClient(ctx context.Context, projectID, location, datasetID, storeID string) (*Client, error) {
	if projectID == "" || location == "" || datasetID == "" || storeID == "" {
		return nil, fmt.Errorf("dicomweb.NewClient: project, location, dataset and store are required")
	}
	svc, err := healthcare.NewService(ctx)
	if err != nil {
		return nil, fmt.Errorf("healthcare.NewService: %w", err)
	}
	return &Client{
		projectID: projectID,
		location:  location,
		datasetID: datasetID,
		storeID:   storeID,
		svc:       svc,
	}, nil
}

// Store returns the resource name of the DICOM store.
func (c *Client) Store() string {
	return fmt.Sprintf(
		"projects/%s/locations/%s/datasets/%s/dicomStores/%s",
		c.projectID, c.location, c.datasetID, c.storeID,
	)
}

// StoreInstance uploads one Part-10 object with STOW-RS.
func (c *Client) StoreInstance(ctx context.Context, body []byte) error {
	call := c.svc.Projects.Locations.Datasets.DicomStores.StoreInstances(c.Store(), "studies", bytes.NewReader(body))
	call.Header().Set("Content-Type", "application/dicom")
	resp, err := call.Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("StoreInstances: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("StoreInstances: status %d %s: %s", resp.StatusCode, resp.Status, bytes.TrimSpace(msg))
	}
	return nil
}

// DeleteInstance removes one instance, e.g. a report sent in error.
func (c *Client) DeleteInstance(ctx context.Context, studyUID, seriesUID, instanceUID string) error {
	if studyUID == "" || seriesUID == "" || instanceUID == "" {
		return fmt.Errorf("studyUID, seriesUID, and instanceUID are required")
	}
	dicomWebPath := fmt.Sprintf("studies/%s/series/%s/instances/%s", studyUID, seriesUID, instanceUID)

	instancesSvc := c.svc.Projects.Locations.Datasets.DicomStores.Studies.Series.Instances
	if _, err := instancesSvc.Delete(c.Store(), dicomWebPath).Context(ctx).Do(); err != nil {
		return fmt.Errorf("DeleteInstance: %w", err)
	}
	log.Printf("DeleteInstance: removed %s", dicomWebPath)
	return nil
}
