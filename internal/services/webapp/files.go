package webapp

import (
	"fmt"
	"net/http"
	"path/filepath"
)

// serveFile 把缓存文件（设备图片、PDF 报告）作为附件下载返回。
// downloadBase 非空时用它替换下载文件名的主干，扩展名保留磁盘上的原样，
// 避免把缓存内部的哈希文件名暴露给浏览器。
func serveFile(w http.ResponseWriter, r *http.Request, path string, downloadBase string) {
	name := filepath.Base(path)
	if downloadBase != "" {
		ext := filepath.Ext(name)
		name = downloadBase + ext
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeFile(w, r, path)
}
