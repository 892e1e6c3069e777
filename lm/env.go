package lm

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// The ORT environment is process wide; every Model holds a reference.
var (
	envMu   sync.Mutex
	envRefs int
)

func acquireEnv(sharedLib string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 {
		if sharedLib != "" {
			ort.SetSharedLibraryPath(sharedLib)
		}
		if !ort.IsInitialized() {
			if err := ort.InitializeEnvironment(); err != nil {
				return fmt.Errorf("initialize onnxruntime: %w", err)
			}
		}
	}
	envRefs++
	return nil
}

func releaseEnv() {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 {
		return
	}
	envRefs--
	if envRefs == 0 && ort.IsInitialized() {
		_ = ort.DestroyEnvironment()
	}
}
