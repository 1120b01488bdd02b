package embeddings

import (
	"fmt"
	"os"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"
)

// SharedLibraryEnv overrides the ONNX Runtime shared library location.
const SharedLibraryEnv = "ONNXRUNTIME_SHARED_LIBRARY_PATH"

// SharedLibraryPath resolves the onnxruntime shared library for the current
// platform. The environment override wins; otherwise the conventional
// third_party layout is used.
func SharedLibraryPath() string {
	if path := os.Getenv(SharedLibraryEnv); path != "" {
		return path
	}
	switch runtime.GOOS {
	case "windows":
		if runtime.GOARCH == "arm64" {
			return "./third_party/onnxruntime_arm64.dll"
		}
		return "./third_party/onnxruntime.dll"
	case "darwin":
		if runtime.GOARCH == "arm64" {
			return "./third_party/onnxruntime_arm64.dylib"
		}
		return "./third_party/onnxruntime.dylib"
	default:
		if runtime.GOARCH == "arm64" {
			return "./third_party/onnxruntime_arm64.so"
		}
		return "./third_party/onnxruntime.so"
	}
}

// InitRuntime initializes the process-wide ONNX Runtime environment. Calling
// it again after a successful init is a no-op. An empty libPath falls back
// to SharedLibraryPath.
func InitRuntime(libPath string) error {
	if ort.IsInitialized() {
		return nil
	}
	if libPath == "" {
		libPath = SharedLibraryPath()
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnxruntime environment: %w", err)
	}
	return nil
}

// DestroyRuntime tears the process-wide environment down again. All sessions
// must be destroyed first.
func DestroyRuntime() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}
