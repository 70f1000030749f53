// Copyright 2026 The webrelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package util

import (
	"net"

	"github.com/gin-gonic/gin"
)

// IsLocalhostDirect reports whether the request comes from a loopback address without
// any proxy headers.
func IsLocalhostDirect(c *gin.Context) bool {
	host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return false
	}
	return c.GetHeader("X-Forwarded-For") == "" &&
		c.GetHeader("X-Real-IP") == "" &&
		c.GetHeader("Forwarded") == ""
}
