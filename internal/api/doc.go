// Package api 暴露交易编排、批次与对账的 REST 接口。
package api
