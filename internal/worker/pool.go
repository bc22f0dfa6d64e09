package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Pool Worker 池
type Pool struct {
	workers      int
	jobChan      chan *ScanJob
	orchestrator *Orchestrator
	logger       *logrus.Logger
	wg           sync.WaitGroup
}

// ScanJob 扫描任务
type ScanJob struct {
	ID       string
	APKName  string
	APKPath  string
	resultCh chan error // 用于同步等待任务完成
}

// NewPool 创建 Worker 池
func NewPool(workers int, queueSize int, orchestrator *Orchestrator, logger *logrus.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 100
	}

	return &Pool{
		workers:      workers,
		jobChan:      make(chan *ScanJob, queueSize),
		orchestrator: orchestrator,
		logger:       logger,
	}
}

// Start 启动 Worker 池
func (p *Pool) Start(ctx context.Context) {
	p.logger.WithField("workers", p.workers).Info("Starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// worker Worker 协程
func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	p.logger.WithField("worker_id", id).Info("Worker started")

	for {
		select {
		case <-ctx.Done():
			p.logger.WithField("worker_id", id).Info("Worker shutting down")
			return

		case job, ok := <-p.jobChan:
			if !ok {
				p.logger.WithField("worker_id", id).Info("Job channel closed, worker exiting")
				return
			}

			p.logger.WithFields(logrus.Fields{
				"worker_id": id,
				"task_id":   job.ID,
				"apk_path":  job.APKPath,
			}).Info("Processing scan job")

			err := p.orchestrator.ExecuteScan(ctx, job.ID, job.APKPath)

			if err != nil {
				p.logger.WithError(err).WithFields(logrus.Fields{
					"worker_id": id,
					"task_id":   job.ID,
				}).Error("Scan job execution failed")
			} else {
				p.logger.WithFields(logrus.Fields{
					"worker_id": id,
					"task_id":   job.ID,
				}).Info("Scan job completed")
			}

			// 如果有结果通道，发送结果
			if job.resultCh != nil {
				job.resultCh <- err
				close(job.resultCh)
			}
		}
	}
}

// Submit 提交任务（异步，不等待结果）
func (p *Pool) Submit(job *ScanJob) error {
	select {
	case p.jobChan <- job:
		p.logger.WithField("task_id", job.ID).Debug("Scan job submitted to pool")
		return nil
	default:
		return fmt.Errorf("job queue is full")
	}
}

// SubmitAndWait 提交任务并等待完成
func (p *Pool) SubmitAndWait(ctx context.Context, job *ScanJob) error {
	// 创建结果通道
	job.resultCh = make(chan error, 1)

	// 提交任务
	select {
	case p.jobChan <- job:
		p.logger.WithField("task_id", job.ID).Debug("Scan job submitted to pool (sync)")
	case <-ctx.Done():
		return ctx.Err()
	}

	// 等待结果
	select {
	case err := <-job.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop 停止 Worker 池
func (p *Pool) Stop() {
	p.logger.Info("Stopping worker pool")
	close(p.jobChan)
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// GetQueueSize 获取队列中任务数
func (p *Pool) GetQueueSize() int {
	return len(p.jobChan)
}
