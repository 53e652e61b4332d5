package patents

import "errors"

var (
	// ErrInvalidUpload indicates the uploaded file is missing or not a PDF.
	ErrInvalidUpload = errors.New("a PDF file is required")

	// ErrAnalysisIncomplete indicates a generation task was requested before
	// the structural analysis it depends on finished.
	ErrAnalysisIncomplete = errors.New("structural analysis is not available yet")

	// ErrTaskInProgress indicates a generation task of the same kind is
	// already running for the session.
	ErrTaskInProgress = errors.New("a generation task is already running")

	// ErrNoPagesSelected indicates a 3D reconstruction request named no pages.
	ErrNoPagesSelected = errors.New("at least one page must be selected")

	// ErrBadPageIndex indicates a page index outside the rasterized range.
	ErrBadPageIndex = errors.New("page index out of range")

	// ErrMeshyKeyRequired indicates no reconstruction credential was supplied
	// by the request or the server configuration.
	ErrMeshyKeyRequired = errors.New("a meshy api key is required")
)
