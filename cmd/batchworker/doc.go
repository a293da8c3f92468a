/*
Package main 是推理节点上的 worker 代理。

它启动 llama-server 子进程，轮询 /health 直到模型加载完成，然后把
网关可达的地址注册到 idle_workers。收到 SIGINT/SIGTERM 时先注销再
以 SIGINT 停止子进程；子进程意外退出时同样注销，并以非零状态退出，
交由 systemd 或容器编排重启。
*/
package main
