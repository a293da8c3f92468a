// Package config 提供 BatchFlow 的配置管理功能。
//
// 配置来源依次为内置默认值、YAML 文件与 BATCHFLOW_ 前缀的环境变量，
// Validate 会一次性汇总所有不合法的字段。
package config
