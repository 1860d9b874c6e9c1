// Package mocks は複数パッケージのテストで共用するモック実装を提供する
// 各モックはfuncフィールドで振る舞いを差し替えられる
package mocks
