// Package result 表示批次操作中單一項目的成功或失敗
//
// 批次操作（joinMulti、sendList、大廳組建）不會因為單一失敗而中止，
// 每個項目各自產生一個 Result，由呼叫者決定如何處理失敗的部分。
package result

// Result 單一項目的結果：Err 為 nil 代表成功
type Result[T any] struct {
	Value T
	Err   error
}

// Ok 成功結果
func Ok[T any](v T) Result[T] {
	return Result[T]{Value: v}
}

// Fail 失敗結果
func Fail[T any](v T, err error) Result[T] {
	return Result[T]{Value: v, Err: err}
}

// OK 是否成功
func (r Result[T]) OK() bool {
	return r.Err == nil
}

// Collect 對每個項目執行 fn，收集所有結果
func Collect[T any](items []T, fn func(T) error) []Result[T] {
	results := make([]Result[T], 0, len(items))
	for _, item := range items {
		if err := fn(item); err != nil {
			results = append(results, Fail(item, err))
			continue
		}
		results = append(results, Ok(item))
	}
	return results
}

// Failures 只保留失敗的結果
func Failures[T any](results []Result[T]) []Result[T] {
	var failed []Result[T]
	for _, r := range results {
		if !r.OK() {
			failed = append(failed, r)
		}
	}
	return failed
}

// Values 取出成功項目的值
func Values[T any](results []Result[T]) []T {
	values := make([]T, 0, len(results))
	for _, r := range results {
		if r.OK() {
			values = append(values, r.Value)
		}
	}
	return values
}
