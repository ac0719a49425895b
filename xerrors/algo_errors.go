package xerrors

var (
	// ErrEmptyData 输入数据为空。
	ErrEmptyData = New(ErrInvalidArg, 400001, "empty data", "input data must not be empty", nil)
	// ErrInvalidInput 输入格式错误。
	ErrInvalidInput = New(ErrInvalidArg, 400002, "invalid input", "check your input parameters", nil)
	// ErrDimMismatch 维度不匹配.
	ErrDimMismatch = New(ErrInvalidArg, 400007, "dimension mismatch", "matrix or vector dimensions do not match", nil)
	// ErrInvalidConfig 配置错误, 在任何模拟开始前返回。
	ErrInvalidConfig = New(ErrInvalidArg, 400005, "invalid config", "numeric options must be positive and etf_counts non-empty", nil)
	// ErrInvalidPortfolioSize 组合规模不在 (0, |universe|] 内。
	ErrInvalidPortfolioSize = New(ErrInvalidArg, 400020, "invalid portfolio size", "count must satisfy 0 < count <= universe size", nil)
	// ErrInvalidFraction top_pct 不在 (0, 1] 内。
	ErrInvalidFraction = New(ErrInvalidArg, 400021, "invalid fraction", "top_pct must be in (0, 1]", nil)
	// ErrUnknownColumn 面板或因子中不存在的列。
	ErrUnknownColumn = New(ErrNotFound, 404001, "unknown column", "identifier is not present in the series", nil)
	// ErrInsufficientData 重叠观测数不足以回归或构建组合。
	ErrInsufficientData = New(ErrDataQuality, 422001, "insufficient data", "too few overlapping observations", nil)
	// ErrDegenerateRegression 因子设计矩阵秩亏。
	ErrDegenerateRegression = New(ErrDataQuality, 422002, "degenerate regression", "factor design matrix is rank deficient", nil)
	// ErrSimulationExhausted 某个试验耗尽重试预算。
	ErrSimulationExhausted = New(ErrExhausted, 429001, "simulation exhausted", "universe too small or sparse for the requested configuration", nil)
	// ErrMathConvergence 数学计算未收敛。
	ErrMathConvergence = New(ErrInternal, 500002, "math convergence failed", "algorithm failed to converge", nil)
)
