package code

import (
	"io"
	"net/http"
	"time"

	"github.com/dop251/goja"

	"github.com/tombee/cascade/internal/handler/fetch"
)

// netGet returns the httpGet(url) helper exposed to scripts with
// code_allow_network. Targets go through the same SSRF guard as fetch
// blocks; failures surface as script exceptions.
func netGet(vm *goja.Runtime) func(string) map[string]any {
	client := &http.Client{Timeout: 10 * time.Second}
	return func(url string) map[string]any {
		if err := fetch.CheckTarget(url); err != nil {
			panic(vm.ToValue(err.Error()))
		}
		resp, err := client.Get(url)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return map[string]any{
			"status": resp.StatusCode,
			"body":   string(raw),
		}
	}
}
