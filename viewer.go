package bridge

import (
	_ "embed"
	"net/http"
)

//go:embed viewer.html
var viewerPage []byte

// handleViewerPage 返回内嵌的操作台页面。页面通过/viewer.json
// 拿取流凭证，通过/input上报输入状态。
func (r *Relay) handleViewerPage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Permissions-Policy", "gamepad=(self)")
	w.Write(viewerPage)
}
