package utils

import (
	"context"
	"sync"
)

// DefaultConcurrency 默认并发数量
const DefaultConcurrency = 5

// ParallelEach 并发地对每个元素执行操作，返回与输入一一对应的错误列表
//
// 单个元素失败不会影响其它元素，调用方自行决定
// 如何处理部分失败（例如最终性广播：交易已提交，投递失败只需记录）。
//
// 示例：
//
//	errs := ParallelEach(ctx, sessions, func(ctx context.Context, s session.Session) error {
//	    return s.Send(ctx, msg)
//	}, 5)
func ParallelEach[T any](
	ctx context.Context,
	items []T,
	fn func(ctx context.Context, item T) error,
	concurrency int,
) []error {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	errs := make([]error, len(items))
	var wg sync.WaitGroup
	sem := make(chan struct{}, concurrency)

	for i, item := range items {
		wg.Add(1)
		go func(index int, it T) {
			defer wg.Done()

			// 获取信号量
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				errs[index] = ctx.Err()
				return
			}
			defer func() { <-sem }()

			errs[index] = fn(ctx, it)
		}(i, item)
	}

	wg.Wait()
	return errs
}

// FirstError 返回错误列表中第一个非 nil 错误
func FirstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
