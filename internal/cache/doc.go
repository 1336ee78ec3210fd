// Package cache 把 hub 请求映射为缓存卷中的对象。对象按 MaxFragmentSize 切分为片段，
// 通过 volume 聚合写入 stripe；内存索引记录每个对象的片段位置，启动时由卷扫描重建。
// 代理层依赖本包读取缓存正文或在未命中时写入上游响应，而不直接接触卷的布局。
package cache
