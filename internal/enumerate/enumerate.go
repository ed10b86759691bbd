// Package enumerate 把按下标探测的同步原语转换为惰性序列。
package enumerate

import (
	"context"
	"iter"

	"github.com/aegis-sign/signbridge/pkg/apierrors"
)

// Enumerate 从 lo 开始依次调用 probe 取 index 处的值，遇到零值或下标超过 hi 时结束。
// 每次迭代都是一次新的扫描，不共享游标。探测失败时产出该错误并停止。
func Enumerate[V comparable](ctx context.Context, probe func(ctx context.Context, index int) (V, error), lo, hi int) iter.Seq2[V, error] {
	var zero V
	return EnumerateFunc(ctx, probe, lo, hi, func(v V) bool { return v == zero })
}

// EnumerateFunc 与 Enumerate 相同，但由 isEmpty 判断结束值。
func EnumerateFunc[V any](ctx context.Context, probe func(ctx context.Context, index int) (V, error), lo, hi int, isEmpty func(V) bool) iter.Seq2[V, error] {
	return func(yield func(V, error) bool) {
		for index := lo; index <= hi; index++ {
			if err := ctx.Err(); err != nil {
				var zero V
				yield(zero, err)
				return
			}
			v, err := probe(ctx, index)
			if err != nil {
				var zero V
				yield(zero, &ProbeError{Index: index, Err: err})
				return
			}
			if isEmpty(v) {
				return
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}

// ProbeError 记录失败的探测下标。
type ProbeError struct {
	Index int
	Err   error
}

func (e *ProbeError) Error() string { return e.Err.Error() }

func (e *ProbeError) Unwrap() error { return e.Err }

// Collect 物化整个序列；任一步失败时丢弃已取得的结果并返回 EnumerationError。
func Collect[V any](seq iter.Seq2[V, error]) ([]V, error) {
	var out []V
	for v, err := range seq {
		if err != nil {
			index := -1
			if pe, ok := err.(*ProbeError); ok {
				index = pe.Index
				err = pe.Err
			}
			return nil, apierrors.Newf(apierrors.CodeEnumeration, "enumeration failed at index %d", index).WithCause(err)
		}
		out = append(out, v)
	}
	return out, nil
}
