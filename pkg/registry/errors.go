package registry

import "fmt"

var (
	StreamNotExist = "StreamNotExist"
	ViewerNotExist = "ViewerNotExist"
)

type StreamNotFound struct{}

func (e StreamNotFound) Error() string {
	return fmt.Sprintf("%s", StreamNotExist)
}

type ViewerNotFound struct {
	Slot int
}

func (e ViewerNotFound) Error() string {
	return fmt.Sprintf("%s: slot %d", ViewerNotExist, e.Slot)
}
