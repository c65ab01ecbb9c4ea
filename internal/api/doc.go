// Package api 暴露 REST 接口，供外部提交听证意图并检索审计底账。
package api
