package s3mirror

import (
	"fmt"
	"io/fs"
	"os"
	"testing"
)

func TestIsNotExist(t *testing.T) {
	if !isNotExist(os.ErrNotExist) {
		t.Error("expected os.ErrNotExist to be recognized")
	}
	if !isNotExist(fmt.Errorf("wrapped: %w", fs.ErrNotExist)) {
		t.Error("expected a wrapped fs.ErrNotExist to be recognized")
	}
	if isNotExist(fmt.Errorf("some other failure")) {
		t.Error("expected an unrelated error not to be recognized")
	}
}
